package beads

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MergeLines is the line-wise merge driver for the issues JSONL file.
// Given the base, ours, and theirs file contents it merges record by
// record keyed by issue ID:
//
//   - a record present on one side only is kept;
//   - a record changed on one side only takes that side;
//   - a record changed on both sides takes the newer updated_at, field
//     presence respected (see below).
//
// The merge tool upstream is known to elide zero-valued integer fields
// (notably priority=0). A side whose raw record omits "priority" is
// treated as not having changed it, never as resetting it to the default.
func MergeLines(base, ours, theirs []byte) ([]byte, error) {
	baseRecs, err := decodeLines(base)
	if err != nil {
		return nil, fmt.Errorf("merge base: %w", err)
	}
	ourRecs, err := decodeLines(ours)
	if err != nil {
		return nil, fmt.Errorf("merge ours: %w", err)
	}
	theirRecs, err := decodeLines(theirs)
	if err != nil {
		return nil, fmt.Errorf("merge theirs: %w", err)
	}

	ids := map[string]bool{}
	for id := range ourRecs {
		ids[id] = true
	}
	for id := range theirRecs {
		ids[id] = true
	}
	for id := range baseRecs {
		ids[id] = true
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	var buf bytes.Buffer
	for _, id := range ordered {
		rec := mergeRecord(baseRecs[id], ourRecs[id], theirRecs[id])
		if rec == nil {
			continue // deleted on the only side that had it
		}
		line, err := rec.MarshalLine()
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// rawRecord keeps the decoded issue alongside its raw JSON so field
// presence can be inspected.
type rawRecord struct {
	issue *Issue
	raw   map[string]json.RawMessage
}

func decodeLines(data []byte) (map[string]*rawRecord, error) {
	out := map[string]*rawRecord{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		issue, err := UnmarshalLine(line)
		if err != nil {
			return nil, err
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, err
		}
		out[issue.ID] = &rawRecord{issue: issue, raw: raw}
	}
	return out, scanner.Err()
}

func mergeRecord(base, ours, theirs *rawRecord) *Issue {
	switch {
	case ours == nil && theirs == nil:
		return nil
	case ours == nil:
		if base != nil {
			return nil // we deleted it
		}
		return theirs.issue
	case theirs == nil:
		if base != nil {
			return nil // they deleted it
		}
		return ours.issue
	}

	// Both sides have the record: newer updated_at wins, but a priority
	// absent from the winning side's raw JSON is carried from the loser.
	winner, loser := ours, theirs
	if theirs.issue.UpdatedAt.After(ours.issue.UpdatedAt) {
		winner, loser = theirs, ours
	}
	merged := winner.issue.Clone()
	if _, ok := winner.raw["priority"]; !ok {
		if _, ok := loser.raw["priority"]; ok {
			merged.Priority = loser.issue.Priority
		} else if base != nil {
			merged.Priority = base.issue.Priority
		}
	}
	// Closure propagates even when the closing side lost the timestamp race.
	if loser.issue.Status == StatusClosed && merged.Status != StatusClosed {
		merged.Status = StatusClosed
		merged.ClosedAt = loser.issue.ClosedAt
	}
	return merged
}
