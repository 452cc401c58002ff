package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// fakeStore is an in-memory Store used by engine tests.
type fakeStore struct {
	mu       sync.Mutex
	entities map[string]Entity
	facts    map[string]*Fact
	order    []string
	convs    map[string]*Conversation
	links    map[string]map[string]struct{}
	listErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities: make(map[string]Entity),
		facts:    make(map[string]*Fact),
		convs:    make(map[string]*Conversation),
		links:    make(map[string]map[string]struct{}),
	}
}

func cloneFact(f *Fact) *Fact {
	c := *f
	c.Tags = append([]string(nil), f.Tags...)
	c.Embedding = append([]float32(nil), f.Embedding...)
	return &c
}

func (s *fakeStore) UpsertEntities(_ context.Context, entities []Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		if _, ok := s.entities[e.ID]; !ok {
			s.entities[e.ID] = e
		}
	}
	return nil
}

func (s *fakeStore) ListEntities(_ context.Context, kind string) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entity
	for _, e := range s.entities {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fakeStore) InsertFact(_ context.Context, f *Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[f.ID]; ok {
		return errors.New("duplicate fact id")
	}
	s.facts[f.ID] = cloneFact(f)
	s.order = append(s.order, f.ID)
	return nil
}

func (s *fakeStore) GetFact(_ context.Context, id string) (*Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok {
		return nil, NotFound("get fact", "fact", id)
	}
	return cloneFact(f), nil
}

func (s *fakeStore) ListFacts(_ context.Context, who, about string, limit int) ([]*Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*Fact
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		f := s.facts[s.order[i]]
		if f.Who == who && f.About == about {
			out = append(out, cloneFact(f))
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateFact(_ context.Context, id string, fn func(*Fact) error) (*Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok {
		return nil, NotFound("update fact", "fact", id)
	}
	c := cloneFact(f)
	if err := fn(c); err != nil {
		return nil, err
	}
	f.Weight, f.Pinned, f.RewardSum, f.RewardCount = c.Weight, c.Pinned, c.RewardSum, c.RewardCount
	return cloneFact(f), nil
}

func (s *fakeStore) CreateConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := *c
	s.convs[c.ID] = &cc
	return nil
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, NotFound("get conversation", "conversation", id)
	}
	cc := *c
	cc.Tags = append([]string(nil), c.Tags...)
	return &cc, nil
}

func (s *fakeStore) AttachFacts(_ context.Context, convID string, factIDs []string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil, NotFound("attach facts", "conversation", convID)
	}
	found := 0
	for _, id := range factIDs {
		if _, ok := s.facts[id]; ok {
			found++
		}
	}
	if found != len(factIDs) {
		return nil, ValidationError("attach facts", "some fact_ids not found (found %d of %d distinct ids)", found, len(factIDs))
	}
	if s.links[convID] == nil {
		s.links[convID] = make(map[string]struct{})
	}
	for _, id := range factIDs {
		s.links[convID][id] = struct{}{}
	}
	var attached []*Fact
	for id := range s.links[convID] {
		attached = append(attached, s.facts[id])
	}
	c.Tags = UnionTags(attached)
	cc := *c
	return &cc, nil
}

func (s *fakeStore) Export(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &Snapshot{}
	for _, e := range s.entities {
		snap.Entities = append(snap.Entities, e)
	}
	for _, id := range s.order {
		snap.Facts = append(snap.Facts, *cloneFact(s.facts[id]))
	}
	return snap, nil
}

func (s *fakeStore) Import(_ context.Context, snap *Snapshot) (*ImportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &ImportResult{}
	for _, e := range snap.Entities {
		if _, ok := s.entities[e.ID]; ok {
			res.Skipped++
			continue
		}
		s.entities[e.ID] = e
		res.EntitiesImported++
	}
	for i := range snap.Facts {
		f := &snap.Facts[i]
		if _, ok := s.facts[f.ID]; ok {
			res.Skipped++
			continue
		}
		s.facts[f.ID] = cloneFact(f)
		s.order = append(s.order, f.ID)
		res.FactsImported++
	}
	return res, nil
}

func (s *fakeStore) Close() error { return nil }

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	dim     int
	err     error
	calls   int
	mu      sync.Mutex
}

func (e *stubEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, e.dim), nil
}

func (e *stubEmbedder) Dimension() int { return e.dim }

// recordingPublisher captures published event names.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(event string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}
