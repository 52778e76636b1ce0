// Copyright 2025 Knowledgecore Project
//
// Package eventlog implements the vault's append-only, hash-chained
// event log. Each event's hash covers its timestamp, type, canonical
// payload bytes and the previous event's hash — no randomness, no
// wall-clock reads inside the hash.
package eventlog

import (
	"context"
	"database/sql"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// Querier is the minimal dbstore surface eventlog needs, satisfied
// structurally by *dbstore.DB to avoid an import cycle (dbstore's
// migrations already define the events table; eventlog only reads and
// writes rows through it).
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Event is one row of the events table as read back for verification
// or export.
type Event struct {
	EventID       int64
	TSMs          int64
	Type          string
	PayloadJSON   string
	PrevEventHash string // empty for event_id == 1
	EventHash     string
}

// AppendEvent implements append_event(ts_ms, type, payload_value):
// canonicalizes payload, reads the current chain head, computes
// event_hash, and inserts the row. Callers are expected to run
// this inside a transaction alongside whatever else the operation
// does, so it accepts a Querier rather than opening its own.
func AppendEvent(ctx context.Context, q Querier, tsMs int64, eventType string, payload any) (*Event, error) {
	payloadJSON, err := canon.MarshalCanonical(payload)
	if err != nil {
		return nil, err
	}

	prevHash, err := currentHead(ctx, q)
	if err != nil {
		return nil, err
	}

	hash := computeEventHash(tsMs, eventType, payloadJSON, prevHash)

	var prevHashArg any
	if prevHash != "" {
		prevHashArg = prevHash
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO events (ts_ms, type, payload_json, prev_event_hash, event_hash)
		VALUES (?, ?, ?, ?, ?)`,
		tsMs, eventType, string(payloadJSON), prevHashArg, hash)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeEventChainBroken, kcerr.CategoryStorage,
			"failed to insert event row", err)
	}
	eventID, err := result.LastInsertId()
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeEventChainBroken, kcerr.CategoryStorage,
			"failed to read inserted event id", err)
	}

	return &Event{
		EventID:       eventID,
		TSMs:          tsMs,
		Type:          eventType,
		PayloadJSON:   string(payloadJSON),
		PrevEventHash: prevHash,
		EventHash:     hash,
	}, nil
}

// computeEventHash implements
// event_hash = BLAKE3("kc.event.v1\n{ts_ms}\n{type}\n{payload_json}\n{prev_event_hash|""}").
func computeEventHash(tsMs int64, eventType string, payloadJSON []byte, prevEventHash string) string {
	material := "kc.event.v1\n" +
		formatInt64(tsMs) + "\n" +
		eventType + "\n" +
		string(payloadJSON) + "\n" +
		prevEventHash
	return canon.Blake3HexPrefixed([]byte(material))
}

func formatInt64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func currentHead(ctx context.Context, q Querier) (string, error) {
	var hash string
	err := q.QueryRowContext(ctx, `
		SELECT event_hash FROM events ORDER BY event_id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", kcerr.Wrap(kcerr.CodeEventChainBroken, kcerr.CategoryStorage,
			"failed to read current event chain head", err)
	}
	return hash, nil
}

// VerifyChain re-derives every event_hash from (ts_ms, type,
// payload_json, prev_event_hash) in event_id order and fails on the
// first mismatch (the hash chain is
// unbroken end to end).
func VerifyChain(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}) error {
	rows, err := q.QueryContext(ctx, `
		SELECT event_id, ts_ms, type, payload_json, prev_event_hash, event_hash
		FROM events ORDER BY event_id ASC`)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeEventChainBroken, kcerr.CategoryStorage,
			"failed to list events for chain verification", err)
	}
	defer rows.Close()

	expectedPrev := ""
	for rows.Next() {
		var (
			eventID                    int64
			tsMs                       int64
			eventType, payloadJSON     string
			prevEventHash, eventHash   sql.NullString
		)
		if err := rows.Scan(&eventID, &tsMs, &eventType, &payloadJSON, &prevEventHash, &eventHash); err != nil {
			return kcerr.Wrap(kcerr.CodeEventChainBroken, kcerr.CategoryStorage,
				"failed to scan event row", err)
		}

		prev := prevEventHash.String
		if prev != expectedPrev {
			return kcerr.New(kcerr.CodeEventChainBroken, kcerr.CategoryStorage,
				"event prev_event_hash does not equal the previous event's event_hash")
		}

		want := computeEventHash(tsMs, eventType, []byte(payloadJSON), prev)
		if eventHash.String != want {
			return kcerr.New(kcerr.CodeEventChainBroken, kcerr.CategoryStorage,
				"event_hash does not match recomputed hash")
		}

		expectedPrev = eventHash.String
	}
	return rows.Err()
}
