// Copyright 2025 Knowledgecore Project
//
// Package lineage implements the read-only lineage graph query,
// user-supplied overlay edges, soft lock leases guarding overlay
// writes, and the RBAC/ABAC permission pipeline (with audit logging)
// that decides whether a given actor may write one. The repository
// shape — one file per aggregate, a narrow DB interface satisfied
// structurally by *dbstore.DB — is grounded on
// pkg/database/repository_unified.go and pkg/database/repositories.go.
// Permission precedence (deny wins, else first matching allow) is
// modeled on pkg/consensus/validator_block_invariants.go's
// run-every-rule-then-resolve-by-fixed-precedence style, generalized
// here from block-validity rules to access-control policies.
package lineage

import (
	"context"
	"database/sql"
	"sort"
	"strconv"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// DB is the minimal *dbstore.DB surface lineage needs; satisfied
// structurally to avoid an import cycle with dbstore.
type DB interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MaxDepth bounds how many event-chain hops a query may request.
const MaxDepth = 64

// Node is one vertex in a lineage graph: a doc, object, canonical
// text, chunk, source path, or event.
type Node struct {
	Kind   string `json:"kind"`
	NodeID string `json:"node_id"`
}

// Edge is one directed, relation-labeled arc between two nodes.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
	Evidence string `json:"evidence,omitempty"`
}

// Graph is the result of a lineage query: nodes sorted by
// (kind, node_id), edges sorted by (from, to, relation, evidence).
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// builder accumulates nodes/edges with dedupe, since the same event or
// object can be reached by more than one path through a doc's lineage.
type builder struct {
	nodes map[string]Node
	edges map[string]Edge
}

func newBuilder() *builder {
	return &builder{nodes: make(map[string]Node), edges: make(map[string]Edge)}
}

func (b *builder) addNode(kind, nodeID string) {
	b.nodes[kind+"\x00"+nodeID] = Node{Kind: kind, NodeID: nodeID}
}

func (b *builder) addEdge(from, to, relation, evidence string) {
	b.edges[from+"\x00"+to+"\x00"+relation+"\x00"+evidence] = Edge{From: from, To: to, Relation: relation, Evidence: evidence}
}

func (b *builder) graph() *Graph {
	g := &Graph{Nodes: make([]Node, 0, len(b.nodes)), Edges: make([]Edge, 0, len(b.edges))}
	for _, n := range b.nodes {
		g.Nodes = append(g.Nodes, n)
	}
	for _, e := range b.edges {
		g.Edges = append(g.Edges, e)
	}
	sort.Slice(g.Nodes, func(i, j int) bool {
		if g.Nodes[i].Kind != g.Nodes[j].Kind {
			return g.Nodes[i].Kind < g.Nodes[j].Kind
		}
		return g.Nodes[i].NodeID < g.Nodes[j].NodeID
	})
	sort.Slice(g.Edges, func(i, j int) bool {
		a, c := g.Edges[i], g.Edges[j]
		if a.From != c.From {
			return a.From < c.From
		}
		if a.To != c.To {
			return a.To < c.To
		}
		if a.Relation != c.Relation {
			return a.Relation < c.Relation
		}
		return a.Evidence < c.Evidence
	})
	return g
}

// Query computes the lineage graph seeded at a doc:
// seed at doc_id, attach its originating object, ingestion event,
// canonical text (if any), chunks, and source paths, then follow the
// event hash chain backward up to depth hops.
func Query(ctx context.Context, db DB, docID string, depth int) (*Graph, error) {
	if depth < 0 || depth > MaxDepth {
		return nil, kcerr.New(kcerr.CodeLineageInvalidDepth, kcerr.CategoryLineage,
			"lineage depth must be between 0 and "+strconv.Itoa(MaxDepth))
	}

	var originalObjectHash string
	var ingestedEventID int64
	err := db.QueryRowContext(ctx, `
		SELECT original_object_hash, ingested_event_id FROM docs WHERE doc_id = ?`, docID,
	).Scan(&originalObjectHash, &ingestedEventID)
	if err == sql.ErrNoRows {
		return nil, kcerr.New(kcerr.CodeLineageDocNotFound, kcerr.CategoryLineage,
			"no such doc: "+docID)
	}
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to read doc row", err)
	}

	b := newBuilder()
	b.addNode("doc", docID)
	b.addNode("object", originalObjectHash)
	b.addEdge(docID, originalObjectHash, "originates_from", "")

	ingestedHash, ingestedPrev, err := eventByID(ctx, db, ingestedEventID)
	if err != nil {
		return nil, err
	}
	b.addNode("event", ingestedHash)
	b.addEdge(docID, ingestedHash, "ingested_by_event", "")

	seedHashes := []string{ingestedHash}
	seedPrevs := map[string]string{ingestedHash: ingestedPrev}

	var canonicalObjectHash, canonicalHash sql.NullString
	var canonicalCreatedEventID sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT canonical_object_hash, canonical_hash, created_event_id
		FROM canonical_text WHERE doc_id = ?`, docID,
	).Scan(&canonicalObjectHash, &canonicalHash, &canonicalCreatedEventID)
	switch {
	case err == sql.ErrNoRows:
		// A doc with no canonical text extracted yet has no canonical node.
	case err != nil:
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to read canonical_text row", err)
	default:
		b.addNode("canonical", canonicalHash.String)
		b.addEdge(docID, canonicalHash.String, "canonical_text", "")
		b.addNode("object", canonicalObjectHash.String)
		b.addEdge(canonicalHash.String, canonicalObjectHash.String, "stored_as", "")

		createdHash, createdPrev, err := eventByID(ctx, db, canonicalCreatedEventID.Int64)
		if err != nil {
			return nil, err
		}
		b.addNode("event", createdHash)
		b.addEdge(canonicalHash.String, createdHash, "created_by_event", "")
		seedHashes = append(seedHashes, createdHash)
		seedPrevs[createdHash] = createdPrev
	}

	chunkRows, err := db.QueryContext(ctx, `
		SELECT chunk_id FROM chunks WHERE doc_id = ? ORDER BY chunk_id`, docID)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to list chunks", err)
	}
	for chunkRows.Next() {
		var chunkID string
		if err := chunkRows.Scan(&chunkID); err != nil {
			chunkRows.Close()
			return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
				"failed to scan chunk row", err)
		}
		b.addNode("chunk", chunkID)
		b.addEdge(docID, chunkID, "contains_chunk", "")
	}
	if err := chunkRows.Err(); err != nil {
		chunkRows.Close()
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"error iterating chunk rows", err)
	}
	chunkRows.Close()

	sourceRows, err := db.QueryContext(ctx, `
		SELECT source_path FROM doc_sources WHERE doc_id = ? ORDER BY source_path`, docID)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to list doc sources", err)
	}
	for sourceRows.Next() {
		var sourcePath string
		if err := sourceRows.Scan(&sourcePath); err != nil {
			sourceRows.Close()
			return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
				"failed to scan doc_sources row", err)
		}
		b.addNode("source", sourcePath)
		b.addEdge(docID, sourcePath, "source_path", "")
	}
	if err := sourceRows.Err(); err != nil {
		sourceRows.Close()
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"error iterating doc_sources rows", err)
	}
	sourceRows.Close()

	frontier := make(map[string]string, len(seedPrevs))
	for h, p := range seedPrevs {
		frontier[h] = p
	}
	visited := map[string]bool{}
	for _, h := range seedHashes {
		visited[h] = true
	}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		next := map[string]string{}
		for current, prevHash := range frontier {
			if prevHash == "" || visited[prevHash] {
				continue
			}
			_, prevPrev, err := eventByHash(ctx, db, prevHash)
			if err != nil {
				return nil, err
			}
			b.addNode("event", prevHash)
			b.addEdge(current, prevHash, "prev_event", "")
			visited[prevHash] = true
			next[prevHash] = prevPrev
		}
		frontier = next
	}

	return b.graph(), nil
}

func eventByID(ctx context.Context, db DB, eventID int64) (eventHash, prevEventHash string, err error) {
	var prev sql.NullString
	row := db.QueryRowContext(ctx, `SELECT event_hash, prev_event_hash FROM events WHERE event_id = ?`, eventID)
	if scanErr := row.Scan(&eventHash, &prev); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", "", kcerr.New(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
				"referenced event row is missing")
		}
		return "", "", kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to read event row", scanErr)
	}
	return eventHash, prev.String, nil
}

func eventByHash(ctx context.Context, db DB, hash string) (eventID int64, prevEventHash string, err error) {
	var prev sql.NullString
	row := db.QueryRowContext(ctx, `SELECT event_id, prev_event_hash FROM events WHERE event_hash = ?`, hash)
	if scanErr := row.Scan(&eventID, &prev); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, "", kcerr.New(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
				"referenced event hash is missing")
		}
		return 0, "", kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to read event row by hash", scanErr)
	}
	return eventID, prev.String, nil
}
