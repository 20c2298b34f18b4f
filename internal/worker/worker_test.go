package worker

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memoryscope/internal/embedding"
	"github.com/rcliao/memoryscope/internal/llm"
	"github.com/rcliao/memoryscope/internal/memory"
	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/pool"
	"github.com/rcliao/memoryscope/internal/prompts"
	"github.com/rcliao/memoryscope/internal/store"
	"github.com/rcliao/memoryscope/internal/temporal"
)

// route answers prompts whose system message contains match, from reply
// or, when set, from fn applied to the user message.
type route struct {
	match string
	reply string
	fn    func(user string) string
}

// scriptedGenerator replies from a fixed script and records every prompt.
type scriptedGenerator struct {
	mu     sync.Mutex
	routes []route
	calls  []string
	err    error
}

func (g *scriptedGenerator) Generate(_ context.Context, msgs []llm.Message, _ ...llm.Option) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sys := msgs[0].Content
	g.calls = append(g.calls, sys)
	if g.err != nil {
		return "", g.err
	}
	for _, r := range g.routes {
		if !strings.Contains(sys, r.match) {
			continue
		}
		if r.fn != nil {
			return r.fn(msgs[1].Content), nil
		}
		return r.reply, nil
	}
	return "", nil
}

func (g *scriptedGenerator) Stream(ctx context.Context, msgs []llm.Message, onDelta func(string), opts ...llm.Option) (string, error) {
	out, err := g.Generate(ctx, msgs, opts...)
	if err == nil && onDelta != nil {
		onDelta(out)
	}
	return out, err
}

func (g *scriptedGenerator) called(match string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	deps  *Deps
	gen   *scriptedGenerator
	store *store.SQLiteStore
	reg   *pipeline.Registry
}

var baseTime = time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, specs map[string]Spec, routes ...route) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p, err := prompts.Load()
	require.NoError(t, err)

	gen := &scriptedGenerator{routes: routes}
	emb := embedding.NewHashEmbedder(64)
	deps := &Deps{
		Generator: gen,
		Embedder:  emb,
		Prompts:   p,
		Pool:      pool.New(4),
		Log:       zerolog.Nop(),
		Env:       Env{UserName: "alice", TargetName: "bob", Language: "en"},
		Now:       func() time.Time { return baseTime },
	}
	reg := pipeline.NewRegistry()
	require.NoError(t, Register(reg, specs, deps))
	return &harness{t: t, deps: deps, gen: gen, store: s, reg: reg}
}

func (h *harness) context() *pipeline.Context {
	return pipeline.NewContext(memory.NewHandler(h.store, h.deps.Embedder, zerolog.Nop()))
}

func (h *harness) run(spec string, pc *pipeline.Context) (string, error) {
	h.t.Helper()
	plan, err := pipeline.Parse(spec)
	require.NoError(h.t, err)
	ex := pipeline.NewExecutor("test", plan, h.reg, h.deps.Pool, pipeline.WithoutTiming())
	return ex.Run(context.Background(), pc)
}

// seed commits observation nodes and returns them in order.
func (h *harness) seed(contents ...string) []*model.MemoryNode {
	h.t.Helper()
	hd := memory.NewHandler(h.store, h.deps.Embedder, zerolog.Nop())
	var nodes []*model.MemoryNode
	for i, c := range contents {
		nodes = append(nodes, model.NewMemoryNode(model.NodeParams{
			UserName:   "alice",
			TargetName: "bob",
			Content:    c,
			Type:       model.TypeObservation,
			Timestamp:  baseTime.Add(-time.Duration(len(contents)-i) * time.Hour),
		}))
	}
	hd.Add(nodes...)
	_, err := hd.Commit(context.Background())
	require.NoError(h.t, err)
	return nodes
}

func userMessage(content string, at time.Time) model.Message {
	m := model.NewMessage(model.RoleUser, "alice", content, at)
	return *m
}

func TestRegisterRejectsBadOptions(t *testing.T) {
	t.Parallel()
	deps := &Deps{Pool: pool.New(1), Log: zerolog.Nop()}
	tests := map[string]Spec{
		"unknown type":   {Type: "teleport"},
		"unknown option": {Type: "set_query", Options: map[string]any{"speed": 3}},
		"bad value":      {Type: "retrieve_memory", Options: map[string]any{"types": []string{"observation"}, "top_k": 0}},
		"bad type":       {Type: "retrieve_memory", Options: map[string]any{"types": []string{"dream"}}},
	}
	for name, spec := range tests {
		err := Register(pipeline.NewRegistry(), map[string]Spec{"w": spec}, deps)
		assert.ErrorIs(t, err, pipeline.ErrConfig, name)
	}
}

func TestRegisterDecodesDurationsAndReplacesLists(t *testing.T) {
	t.Parallel()
	w, err := newUpdateInsight("ui", map[string]any{"delay": "250ms", "inputs": []string{"mine"}}, &Deps{})
	require.NoError(t, err)
	opts := w.(*updateInsight).opts
	assert.Equal(t, 250*time.Millisecond, opts.Delay)
	assert.Equal(t, []string{"mine"}, opts.Inputs)
	assert.Equal(t, 5, opts.MaxObservations)
}

func TestTypesCoversEveryFactory(t *testing.T) {
	t.Parallel()
	assert.Len(t, Types(), len(factories))
	assert.True(t, HasType("contra_repeat"))
	assert.False(t, HasType("contra"))
}

func TestSetQueryEmptyStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{
		"set_query":    {Type: "set_query"},
		"retrieve_obs": {Type: "retrieve_memory", Options: map[string]any{"types": []string{"observation"}}},
	})
	pc := h.context()
	pipeline.Put(pc, QueryKey, "   ")

	got, err := h.run("set_query,retrieve_obs", pc)
	require.NoError(t, err)
	assert.Equal(t, "", got)
	assert.Empty(t, pc.Memory().Keys())
}

func TestRetrieveEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{
		"set_query":    {Type: "set_query"},
		"extract_time": {Type: "extract_time"},
		"retrieve_obs": {Type: "retrieve_memory", Options: map[string]any{"types": []string{"observation", "insight"}, "top_k": 5}},
		"read_message": {Type: "read_message"},
		"rank":         {Type: "semantic_rank"},
		"rerank":       {Type: "fuse_rerank", Options: map[string]any{"threshold": -1}},
		"print":        {Type: "print_memory"},
	})
	h.deps.Ranker = llm.NewEmbeddingRanker(h.deps.Embedder)
	h.seed("bob likes sushi", "bob works as a nurse")

	pc := h.context()
	pipeline.Put(pc, QueryKey, "what food does bob like")
	pipeline.Put(pc, MessagesKey, []model.Message{userMessage("any dinner ideas?", baseTime)})

	got, err := h.run("set_query,[extract_time|retrieve_obs|read_message],rank,rerank,print", pc)
	require.NoError(t, err)
	assert.Contains(t, got, "Relevant memories of bob:")
	assert.Contains(t, got, "bob likes sushi")
	assert.Contains(t, got, "bob works as a nurse")
	assert.Contains(t, got, "Recent conversation:\n- alice: any dinner ideas?")

	qt, ok := pipeline.Lookup(pc, QueryTimeKey)
	require.True(t, ok)
	assert.Equal(t, baseTime, qt)
}

func TestFuseRerankWeightsAndTimeBoost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{
		"rerank": {Type: "fuse_rerank", Options: map[string]any{"threshold": 0.3}},
	})
	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	node := func(content string, typ model.MemoryType, ts time.Time, rank float64) *model.MemoryNode {
		n := model.NewMemoryNode(model.NodeParams{Content: content, Type: typ, Timestamp: ts})
		n.SetScoreRank(rank)
		return n
	}
	conv := node("alice: hi", model.TypeConversation, old, 0.5)
	obs := node("bob likes sushi", model.TypeObservation, old, 0.5)
	ins := node("bob is a nurse", model.TypeInsight, old, 0.5)
	timed := node("bob went hiking", model.TypeObservation, baseTime, 0.6)

	pc := h.context()
	pc.Memory().Set(HandlerRanked, conv, obs, ins, timed)
	pipeline.Put(pc, TimeFilterKey, temporal.Filter{temporal.Year: "2024"})

	_, err := h.run("rerank", pc)
	require.NoError(t, err)
	got := pc.Memory().Get(HandlerReranked)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"bob went hiking", "bob is a nurse", "bob likes sushi"}, contents(got))
	assert.InDelta(t, 1.2, timed.ScoreRerank(), 1e-9)
	assert.InDelta(t, 0.25, conv.ScoreRerank(), 1e-9)
}

func TestPrintMemoryGroupsByType(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{"print": {Type: "print_memory"}})
	pc := h.context()
	pc.Memory().Set(HandlerProfile, model.NewMemoryNode(model.NodeParams{
		Content: "name: Bob", Type: model.TypeProfile, Timestamp: baseTime,
	}))
	pc.Memory().Set(HandlerReranked,
		model.NewMemoryNode(model.NodeParams{
			Content: "bob likes sushi", Type: model.TypeObservation, Timestamp: baseTime,
		}),
		model.NewMemoryNode(model.NodeParams{
			Content: "bob is a nurse", Type: model.TypeInsight, Timestamp: baseTime,
			Meta: map[string]string{model.MetaKey: "work"},
		}),
	)

	got, err := h.run("print", pc)
	require.NoError(t, err)
	assert.Equal(t, "What is known about bob:\n- name: Bob\n\n"+
		"Insights about bob:\n- work: bob is a nurse\n\n"+
		"Relevant memories of bob:\n- [2024-05-03] bob likes sushi", got)
}

func consolidateSpecs() map[string]Spec {
	return map[string]Spec{
		"info_filter":               {Type: "info_filter"},
		"get_observation":           {Type: "get_observation"},
		"get_observation_with_time": {Type: "get_observation_with_time"},
		"load_recent": {Type: "load_memory", Options: map[string]any{"loads": []map[string]any{
			{"key": HandlerRecentObs, "types": []string{"observation", "obs_customized"}, "limit": 50},
		}}},
		"contra_repeat": {Type: "contra_repeat"},
		"update_memory": {Type: "update_memory"},
	}
}

const consolidateSpec = "info_filter,[get_observation|get_observation_with_time|load_recent],contra_repeat,update_memory"

func TestConsolidateEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, consolidateSpecs(),
		route{"score how much", "1: 3\n2: 0\n3: 2", nil},
		route{"Each sentence was said", "1 | bob moved to Berlin | 2023 | berlin, move", nil},
		route{"Extract short facts", "1 | bob works as a nurse | nurse, work\n1 | bob loves sushi | sushi", nil},
		route{"contradicts", "1 | none |\n2 | none |\n3 | none |", nil},
	)
	h.seed("bob lives in Paris")

	pc := h.context()
	pipeline.Put(pc, MessagesKey, []model.Message{
		userMessage("I work as a nurse and I love sushi.", baseTime),
		userMessage("ok thanks", baseTime),
		userMessage("I moved to Berlin last year.", baseTime),
	})

	_, err := h.run(consolidateSpec, pc)
	require.NoError(t, err)

	sum, ok := pipeline.Lookup(pc, CommitKey)
	require.True(t, ok)
	assert.Equal(t, CommitSummary{Inserted: 3}, sum)

	recs, err := h.store.List(context.Background(), store.ListParams{Filter: store.Filter{Types: []model.MemoryType{model.TypeObservation}}})
	require.NoError(t, err)
	var got []string
	for _, r := range recs {
		got = append(got, r.Content)
		if r.Content == "bob moved to Berlin" {
			assert.Equal(t, "2023", r.Meta[model.MetaEventYear])
		}
		if r.Content == "bob works as a nurse" {
			assert.Equal(t, "nurse,work", r.Meta[model.MetaKeywords])
		}
	}
	assert.ElementsMatch(t, []string{"bob lives in Paris", "bob works as a nurse", "bob loves sushi", "bob moved to Berlin"}, got)
}

func TestInfoFilterStopsWhenNothingKept(t *testing.T) {
	t.Parallel()
	h := newHarness(t, consolidateSpecs(), route{"score how much", "1: 1", nil})
	pc := h.context()
	pipeline.Put(pc, MessagesKey, []model.Message{userMessage("hello there", baseTime)})

	_, err := h.run(consolidateSpec, pc)
	require.NoError(t, err)
	_, ok := pipeline.Lookup(pc, CommitKey)
	assert.False(t, ok)
	assert.Equal(t, 0, h.gen.called("Extract short facts"))
}

func TestInfoFilterSkipsMemorizedTurns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, consolidateSpecs())
	m := userMessage("I work as a nurse.", baseTime)
	m.Memorized = true
	pc := h.context()
	pipeline.Put(pc, MessagesKey, []model.Message{m, {Role: model.RoleAssistant, Content: "noted"}})

	_, err := h.run(consolidateSpec, pc)
	require.NoError(t, err)
	assert.Empty(t, h.gen.calls)
}

func TestBackendFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, consolidateSpecs())
	h.gen.err = errors.New("model overloaded")
	pc := h.context()
	pipeline.Put(pc, MessagesKey, []model.Message{userMessage("I work as a nurse.", baseTime)})

	got, err := h.run(consolidateSpec, pc)
	require.NoError(t, err)
	assert.Equal(t, "", got)
	_, ok := pipeline.Lookup(pc, CommitKey)
	assert.False(t, ok)
}

// contraVerdicts answers contra_repeat by content, so the verdicts do not
// depend on how the list happens to be numbered.
func contraVerdicts(user string) string {
	verdicts := map[string]string{
		"bob lives in Paris": "contradictory | bob lived in Paris before Berlin",
		"bob likes tea":      "included |",
		"bob hates rain":     "contradictory",
	}
	var out []string
	for _, line := range outputLines(user) {
		idx, text, ok := strings.Cut(line, ". ")
		if !ok {
			continue
		}
		v, ok := verdicts[text]
		if !ok {
			v = "none |"
		}
		if !strings.Contains(v, "|") {
			out = append(out, idx+" "+v)
			continue
		}
		out = append(out, idx+" | "+v)
	}
	return strings.Join(append(out, "99 | included |", "garbage"), "\n")
}

func TestContraRepeatIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{
		"load_recent": {Type: "load_memory", Options: map[string]any{"loads": []map[string]any{
			{"key": HandlerRecentObs, "types": []string{"observation", "obs_customized"}},
		}}},
		"contra_repeat": {Type: "contra_repeat"},
		"update_memory": {Type: "update_memory"},
	}, route{"contradicts", "", contraVerdicts})
	seeded := h.seed("bob lives in Paris", "bob likes tea", "bob hates rain", "bob likes green tea")

	pc := h.context()
	_, err := h.run("load_recent,contra_repeat", pc)
	require.NoError(t, err)

	snapshot := func() map[string]model.Status {
		out := map[string]model.Status{}
		for _, s := range seeded {
			n, ok := pc.Memory().Node(s.ID())
			require.True(t, ok)
			out[n.Content()] = n.Status()
		}
		return out
	}
	first := snapshot()
	assert.Equal(t, map[string]model.Status{
		"bob lived in Paris before Berlin": model.StatusContentModified,
		"bob likes tea":                    model.StatusExpired,
		"bob hates rain":                   model.StatusExpired,
		"bob likes green tea":              model.StatusActive,
	}, first)

	// a customized observation with a contradicted text is left alone
	custom := model.NewMemoryNode(model.NodeParams{
		Content: "bob hates rain", Type: model.TypeObsCustomized, Timestamp: baseTime,
	})
	pc.Memory().Append(HandlerNewObs, custom)

	_, err = h.run("contra_repeat", pc)
	require.NoError(t, err)
	assert.Equal(t, first, snapshot())
	assert.Equal(t, model.StatusNew, custom.Status())
	assert.Equal(t, 2, h.gen.called("contradicts"))

	_, err = h.run("update_memory", pc)
	require.NoError(t, err)
	sum, _ := pipeline.Lookup(pc, CommitKey)
	assert.Equal(t, CommitSummary{Inserted: 1, Updated: 1, Deleted: 2}, sum)

	recs, err := h.store.List(context.Background(), store.ListParams{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob lived in Paris before Berlin", "bob likes green tea", "bob hates rain"}, contentsOf(recs))
}

func TestContraRepeatLeavesCustomizedObservations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{"contra_repeat": {Type: "contra_repeat"}},
		route{"contradicts", "1 | included |\n2 | none |", nil})
	custom := model.NewMemoryNode(model.NodeParams{
		Content: "bob is vegetarian", Type: model.TypeObsCustomized, Timestamp: baseTime.Add(-time.Hour),
	})
	obs := model.NewMemoryNode(model.NodeParams{
		Content: "bob eats salad", Type: model.TypeObservation, Timestamp: baseTime,
	})
	pc := h.context()
	pc.Memory().Set(HandlerNewObs, custom, obs)

	_, err := h.run("contra_repeat", pc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, custom.Status())
	assert.Equal(t, model.StatusNew, obs.Status())
}

func TestReflectionFillsInsights(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{
		"subjects": {Type: "get_reflection_subject", Options: map[string]any{"threshold": 2}},
		"insight":  {Type: "update_insight", Options: map[string]any{"delay": "0s"}},
	},
		route{"Propose at most", "- work\n- food\n- hobbies", nil},
		route{`regarding "work"`, "bob is a hospital nurse", nil},
		route{`regarding "food"`, "None", nil},
		route{`regarding "Hobbies"`, "- None.", nil},
	)
	obs := h.seed("bob works as a nurse", "bob works night shifts", "bob likes sushi")
	pc := h.context()
	nodes, err := pc.Memory().Load(recordsOf(obs))
	require.NoError(t, err)
	pc.Memory().Set(HandlerNotReflected, nodes...)
	pc.Memory().Set(HandlerNotUpdated, nodes...)

	existing := model.NewMemoryNode(model.NodeParams{
		Content: "bob likes rock music", Type: model.TypeInsight, Timestamp: baseTime,
		Meta: map[string]string{model.MetaKey: "Hobbies"},
	})
	pc.Memory().Set(HandlerInsight, existing)

	_, err = h.run("subjects,insight", pc)
	require.NoError(t, err)

	assert.Contains(t, h.gen.calls[0], "Skip topics already covered: Hobbies.")
	fresh := pc.Memory().Get(HandlerNewInsight)
	require.Len(t, fresh, 1)
	assert.Equal(t, "work", fresh[0].Meta(model.MetaKey))
	assert.Equal(t, "bob is a hospital nurse", fresh[0].Content())
	assert.Equal(t, "bob likes rock music", existing.Content())

	for _, n := range nodes {
		assert.True(t, n.ObsReflected())
		assert.True(t, n.ObsUpdated())
	}
}

func TestInsightExpiredMidUpdateIsLogged(t *testing.T) {
	t.Parallel()
	existing := model.NewMemoryNode(model.NodeParams{
		Content: "bob likes rock music", Type: model.TypeInsight, Timestamp: baseTime,
		Meta: map[string]string{model.MetaKey: "Hobbies"},
	})
	h := newHarness(t, map[string]Spec{
		"insight": {Type: "update_insight", Options: map[string]any{"delay": "0s"}},
	},
		route{`regarding "Hobbies"`, "", func(string) string {
			assert.NoError(t, existing.Expire())
			return "bob plays chess"
		}},
	)
	obs := h.seed("bob plays chess on sundays")
	pc := h.context()
	nodes, err := pc.Memory().Load(recordsOf(obs))
	require.NoError(t, err)
	pc.Memory().Set(HandlerNotUpdated, nodes...)
	pc.Memory().Set(HandlerInsight, existing)

	var buf bytes.Buffer
	plan, err := pipeline.Parse("insight")
	require.NoError(t, err)
	ex := pipeline.NewExecutor("test", plan, h.reg, h.deps.Pool,
		pipeline.WithoutTiming(), pipeline.WithLogger(zerolog.New(zerolog.SyncWriter(&buf))))
	_, err = ex.Run(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, model.StatusExpired, existing.Status())
	assert.Equal(t, "bob likes rock music", existing.Content())
	assert.Contains(t, buf.String(), `"message":"skip insight update"`)
	assert.Contains(t, buf.String(), existing.ID())
	assert.Contains(t, buf.String(), `"updated":0`)
	assert.False(t, nodes[0].ObsUpdated())
}

func TestReflectionWaitsForThreshold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{"subjects": {Type: "get_reflection_subject"}})
	obs := h.seed("bob likes sushi")
	pc := h.context()
	nodes, err := pc.Memory().Load(recordsOf(obs))
	require.NoError(t, err)
	pc.Memory().Set(HandlerNotReflected, nodes...)

	_, err = h.run("subjects", pc)
	require.NoError(t, err)
	assert.Empty(t, h.gen.calls)
	assert.False(t, nodes[0].ObsReflected())
}

func TestStreamedGenerationReportsDeltas(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{
		"subjects": {Type: "get_reflection_subject", Options: map[string]any{"threshold": 2}},
	}, route{"Propose at most", "- work\n- food", nil})
	var mu sync.Mutex
	var deltas []string
	h.deps.OnDelta = func(worker, delta string) {
		mu.Lock()
		defer mu.Unlock()
		deltas = append(deltas, worker+": "+delta)
	}
	obs := h.seed("bob works as a nurse", "bob works night shifts", "bob likes sushi")
	pc := h.context()
	nodes, err := pc.Memory().Load(recordsOf(obs))
	require.NoError(t, err)
	pc.Memory().Set(HandlerNotReflected, nodes...)

	_, err = h.run("subjects", pc)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"subjects: - work\n- food"}, deltas)
	assert.Len(t, pc.Memory().Get(HandlerNewInsight), 2)
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]Spec{
		"profile": {Type: "update_profile", Options: map[string]any{"attributes": []map[string]any{
			{"name": "name"},
			{"name": "occupation", "mutable": true},
			{"name": "location", "mutable": true},
		}}},
	},
		route{`"occupation"`, "nurse", nil},
		route{`"location"`, "Berlin", nil},
	)
	obs := h.seed("bob works as a nurse", "bob moved to Berlin")
	named, err := model.FromRecord(model.Record{
		ID: model.NewID(), Content: "name: Bob", Type: model.TypeProfile, Timestamp: baseTime,
		Meta: map[string]string{model.MetaKey: "name", model.MetaValue: "Bob"},
	})
	require.NoError(t, err)
	located, err := model.FromRecord(model.Record{
		ID: model.NewID(), Content: "location: Paris", Type: model.TypeProfile, Timestamp: baseTime,
		Meta: map[string]string{model.MetaKey: "location", model.MetaValue: "Paris"},
	})
	require.NoError(t, err)

	pc := h.context()
	nodes, err := pc.Memory().Load(recordsOf(obs))
	require.NoError(t, err)
	pc.Memory().Set(HandlerNotUpdated, nodes...)
	pc.Memory().Set(HandlerProfile, named, located)

	_, err = h.run("profile", pc)
	require.NoError(t, err)

	assert.Equal(t, 0, h.gen.called(`"name"`))
	assert.Equal(t, "location: Berlin", located.Content())
	assert.Equal(t, "Berlin", located.Meta(model.MetaValue))
	assert.Equal(t, model.StatusContentModified, located.Status())

	var occupation *model.MemoryNode
	for _, n := range pc.Memory().Get(HandlerUpdatedProfile) {
		if n.Meta(model.MetaKey) == "occupation" {
			occupation = n
		}
	}
	require.NotNil(t, occupation)
	assert.Equal(t, "occupation: nurse", occupation.Content())
	assert.Equal(t, "true", occupation.Meta(model.MetaIsMutable))
	assert.Equal(t, model.StatusNew, occupation.Status())
}

func contentsOf(recs []model.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Content
	}
	return out
}

func recordsOf(nodes []*model.MemoryNode) []model.Record {
	out := make([]model.Record, len(nodes))
	for i, n := range nodes {
		out[i] = n.Record()
	}
	return out
}
