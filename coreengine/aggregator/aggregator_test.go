package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func msg(text string) ledger.Utterance {
	return ledger.NewUtterance(ledger.AuthorCustomer, text, ledger.ProvenanceLive)
}

func TestAdd_ZeroWindowIsImmediate(t *testing.T) {
	a := New(Config{Window: 0, MaxBatch: 10}, nil, nil)
	defer a.Close()

	res, err := a.Add("s1", msg("Hola"))

	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, "Hola", res.Batch.Text)
	assert.Equal(t, 1, res.Batch.Count)
}

func TestAdd_TimerFlushesBatch(t *testing.T) {
	flushed := make(chan Batch, 1)
	a := New(Config{Window: 30 * time.Millisecond, MaxBatch: 10}, func(b Batch) { flushed <- b }, nil)
	defer a.Close()

	for _, text := range []string{"me llamo", "Ana"} {
		res, err := a.Add("s1", msg(text))
		require.NoError(t, err)
		assert.False(t, res.Ready)
	}
	assert.Equal(t, 2, a.Pending("s1"))

	select {
	case b := <-flushed:
		assert.Equal(t, "s1", b.SessionID)
		assert.Equal(t, "me llamo Ana", b.Text)
		assert.Equal(t, 2, b.Count)
		assert.Len(t, b.Utterances, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("window never fired")
	}
	assert.Equal(t, 0, a.Pending("s1"))
}

func TestAdd_WindowFixedFromFirstMessage(t *testing.T) {
	flushed := make(chan Batch, 1)
	window := 100 * time.Millisecond
	a := New(Config{Window: window, MaxBatch: 10}, func(b Batch) { flushed <- b }, nil)
	defer a.Close()

	start := time.Now()
	_, _ = a.Add("s1", msg("uno"))
	time.Sleep(70 * time.Millisecond)
	_, _ = a.Add("s1", msg("dos"))

	select {
	case b := <-flushed:
		assert.Equal(t, 2, b.Count)
		assert.Less(t, time.Since(start), window+60*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("window never fired")
	}
}

func TestAdd_MaxBatchTriggersImmediately(t *testing.T) {
	flushed := make(chan Batch, 1)
	a := New(Config{Window: time.Hour, MaxBatch: 3}, func(b Batch) { flushed <- b }, nil)
	defer a.Close()

	_, _ = a.Add("s1", msg("a"))
	_, _ = a.Add("s1", msg("b"))
	res, err := a.Add("s1", msg("c"))

	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, 3, res.Batch.Count)
	assert.Equal(t, 0, a.Pending("s1"))

	select {
	case <-flushed:
		t.Fatal("a full batch must not also be flushed by the timer")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAdd_SessionsAreIndependent(t *testing.T) {
	a := New(Config{Window: time.Hour, MaxBatch: 2}, nil, nil)
	defer a.Close()

	_, _ = a.Add("s1", msg("a"))
	res, _ := a.Add("s2", msg("b"))

	assert.False(t, res.Ready)
	assert.Equal(t, 1, a.Pending("s1"))
	assert.Equal(t, 1, a.Pending("s2"))
}

func TestFlush_ForceFlushStopsTimer(t *testing.T) {
	flushed := make(chan Batch, 1)
	a := New(Config{Window: 30 * time.Millisecond, MaxBatch: 10}, func(b Batch) { flushed <- b }, nil)
	defer a.Close()

	_, _ = a.Add("s1", msg("hola"))
	b, ok := a.Flush("s1")

	require.True(t, ok)
	assert.Equal(t, "hola", b.Text)

	_, ok = a.Flush("s1")
	assert.False(t, ok)

	select {
	case <-flushed:
		t.Fatal("force-flushed batch fired again")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestClose_ReturnsPendingAndRejectsAdds(t *testing.T) {
	a := New(Config{Window: time.Hour, MaxBatch: 10}, nil, nil)
	_, _ = a.Add("s1", msg("hola"))

	pending := a.Close()

	require.Len(t, pending, 1)
	assert.Equal(t, "hola", pending[0].Text)
	_, err := a.Add("s1", msg("otra"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFlushCallbackPanicIsContained(t *testing.T) {
	done := make(chan struct{})
	a := New(Config{Window: 10 * time.Millisecond, MaxBatch: 10}, func(Batch) {
		defer close(done)
		panic("boom")
	}, nil)
	defer a.Close()

	_, _ = a.Add("s1", msg("hola"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestNotePromptAndForget(t *testing.T) {
	a := New(Config{Window: time.Hour, MaxBatch: 10}, nil, nil)
	defer a.Close()

	a.NotePrompt("s1", true)
	_, _ = a.Add("s1", msg("Ana"))
	_, _ = a.Add("s1", msg("María López Díaz"))
	b, ok := a.Flush("s1")
	require.True(t, ok)
	assert.Equal(t, "Ana María López Díaz", b.Text)

	a.NotePrompt("s1", false)
	_, _ = a.Add("s1", msg("Ana"))
	_, _ = a.Add("s1", msg("María López Díaz"))
	b, _ = a.Flush("s1")
	assert.Equal(t, "Ana. María López Díaz", b.Text)

	_, _ = a.Add("s1", msg("x"))
	a.Forget("s1")
	assert.Equal(t, 0, a.Pending("s1"))
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		want  string
	}{
		{"single", []string{"hola"}, "hola"},
		{"short fragment continues", []string{"me llamo", "Ana"}, "me llamo Ana"},
		{"new sentence", []string{"Hola", "tengo un restaurante en el centro"}, "Hola. tengo un restaurante en el centro"},
		{"already terminated", []string{"Quiero más clientes.", "Mi presupuesto es 300"}, "Quiero más clientes. Mi presupuesto es 300"},
		{"trailing comma", []string{"tengo una tienda,", "vendo ropa de mujer"}, "tengo una tienda, vendo ropa de mujer"},
		{"trailing connector", []string{"tengo un negocio de", "comida rápida para llevar"}, "tengo un negocio de comida rápida para llevar"},
		{"blank entries skipped", []string{"  ", "hola", ""}, "hola"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.texts, false))
		})
	}
}
