package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/threadsync/threadsync/internal/schema"
)

// Line is one JSONL backup record.
type Line struct {
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record"`
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Threads   int
	Messages  int
	Summaries int
	Projects  int
	Artifacts int
	Skipped   int
	Errors    []string
}

// Export writes every collection as JSONL, one record per line. Projects
// come first so a later import sees them before the threads that use them.
func (s *Store) Export(w io.Writer) (int, error) {
	s.mu.RLock()
	var lines []Line
	add := func(collection string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", collection, err)
		}
		lines = append(lines, Line{Collection: collection, Record: data})
		return nil
	}
	var err error
	for _, p := range s.projects {
		err = errors.Join(err, add(schema.CollectionProjects, p))
	}
	for _, t := range s.threads {
		err = errors.Join(err, add(schema.CollectionThreads, t))
	}
	for _, m := range flattenMessages(s.messages) {
		err = errors.Join(err, add(schema.CollectionMessages, m))
	}
	for _, sm := range s.summaries {
		err = errors.Join(err, add(schema.CollectionSummaries, sm))
	}
	for _, a := range s.artifacts {
		err = errors.Join(err, add(schema.CollectionArtifacts, a))
	}
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return 0, fmt.Errorf("failed to write line: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush export: %w", err)
	}
	return len(lines), nil
}

// Import merges a JSONL backup into the store. Records are upserted by id;
// invalid lines are skipped and reported in the result. All collections are
// persisted in one write.
func (s *Store) Import(r io.Reader) (*ImportResult, error) {
	result := &ImportResult{}
	dec := json.NewDecoder(r)

	var (
		threads   []schema.Thread
		messages  []schema.Message
		summaries []schema.Summary
		projects  []schema.Project
		artifacts []schema.Artifact
	)

	lineNum := 0
	for {
		var l Line
		if err := dec.Decode(&l); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		skip := func(err error) {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		}

		switch l.Collection {
		case schema.CollectionThreads:
			var t schema.Thread
			if err := decodeValid(l.Record, &t, t.Validate); err != nil {
				skip(err)
				continue
			}
			threads = append(threads, t)
		case schema.CollectionMessages:
			var m schema.Message
			if err := decodeValid(l.Record, &m, m.Validate); err != nil {
				skip(err)
				continue
			}
			messages = append(messages, m)
		case schema.CollectionSummaries:
			var sm schema.Summary
			if err := decodeValid(l.Record, &sm, sm.Validate); err != nil {
				skip(err)
				continue
			}
			summaries = append(summaries, sm)
		case schema.CollectionProjects:
			var p schema.Project
			if err := decodeValid(l.Record, &p, p.Validate); err != nil {
				skip(err)
				continue
			}
			projects = append(projects, p)
		case schema.CollectionArtifacts:
			var a schema.Artifact
			if err := decodeValid(l.Record, &a, a.Validate); err != nil {
				skip(err)
				continue
			}
			artifacts = append(artifacts, a)
		default:
			skip(fmt.Errorf("unknown collection %q", l.Collection))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextThreads := mergeByID(s.threads, threads, func(t schema.Thread) string { return t.ID })
	schema.SortThreads(nextThreads)
	nextProjects := mergeByID(s.projects, projects, func(p schema.Project) string { return p.ID })
	schema.SortProjects(nextProjects)
	nextSummaries := mergeByID(s.summaries, summaries, func(sm schema.Summary) string { return sm.ID })
	nextArtifacts := mergeByID(s.artifacts, artifacts, func(a schema.Artifact) string { return a.ID })
	schema.SortArtifacts(nextArtifacts)
	nextMessages := indexMessages(mergeByID(flattenMessages(s.messages), messages, func(m schema.Message) string { return m.ID }))

	if err := s.persist(map[string]any{
		slotThreads:   nextThreads,
		slotMessages:  flattenMessages(nextMessages),
		slotSummaries: nextSummaries,
		slotProjects:  nextProjects,
		slotArtifacts: nextArtifacts,
	}); err != nil {
		return nil, s.dropped("import", "jsonl", err)
	}

	s.threads = nextThreads
	s.messages = nextMessages
	s.summaries = nextSummaries
	s.projects = nextProjects
	s.artifacts = nextArtifacts

	result.Threads = len(threads)
	result.Messages = len(messages)
	result.Summaries = len(summaries)
	result.Projects = len(projects)
	result.Artifacts = len(artifacts)
	return result, nil
}

// decodeValid unmarshals raw into v and runs validate on the result.
func decodeValid(raw json.RawMessage, v any, validate func() error) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	return validate()
}

// mergeByID upserts incoming into cur, keeping cur's order for existing ids.
func mergeByID[T any](cur, incoming []T, id func(T) string) []T {
	pos := make(map[string]int, len(cur))
	out := make([]T, len(cur), len(cur)+len(incoming))
	copy(out, cur)
	for i, v := range out {
		pos[id(v)] = i
	}
	for _, v := range incoming {
		if i, ok := pos[id(v)]; ok {
			out[i] = v
			continue
		}
		pos[id(v)] = len(out)
		out = append(out, v)
	}
	return out
}
