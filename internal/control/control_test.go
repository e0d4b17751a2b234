package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-longpoll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noWarn(string, string) {}

func TestParseMessageSplitsOnNulAndNewline(t *testing.T) {
	ops := ParseMessage([]byte("PING\x00RELOAD\nSTOP_EXEC_QUEUE"), noWarn)
	require.Len(t, ops, 3)
	assert.Equal(t, KindPing, ops[0].Kind)
	assert.Equal(t, KindReload, ops[1].Kind)
	assert.Equal(t, KindStopExecQueue, ops[2].Kind)
}

func TestParseMessageSetLogLevel(t *testing.T) {
	ops := ParseMessage([]byte("SET_LOG_LEVEL=7"), noWarn)
	require.Len(t, ops, 1)
	assert.Equal(t, KindSetLogLevel, ops[0].Kind)
	assert.Equal(t, 7, ops[0].Int)
}

func TestParseMessageSetChildrenMax(t *testing.T) {
	ops := ParseMessage([]byte("SET_CHILDREN_MAX=16"), noWarn)
	require.Len(t, ops, 1)
	assert.Equal(t, KindSetChildrenMax, ops[0].Kind)
	assert.Equal(t, 16, ops[0].Int)
}

func TestParseMessageEnvSetAndUnset(t *testing.T) {
	ops := ParseMessage([]byte("ENV=FOO=bar\x00ENV=BAZ="), noWarn)
	require.Len(t, ops, 2)

	assert.Equal(t, KindSetEnv, ops[0].Kind)
	assert.Equal(t, "FOO", ops[0].Key)
	assert.Equal(t, "bar", ops[0].Value)
	assert.True(t, ops[0].ValueSet)

	assert.Equal(t, KindSetEnv, ops[1].Kind)
	assert.Equal(t, "BAZ", ops[1].Key)
	assert.False(t, ops[1].ValueSet)
}

func TestParseMessageEnvValueMayContainEquals(t *testing.T) {
	ops := ParseMessage([]byte("ENV=FOO=a=b=c"), noWarn)
	require.Len(t, ops, 1)
	assert.Equal(t, "FOO", ops[0].Key)
	assert.Equal(t, "a=b=c", ops[0].Value)
}

func TestParseMessageWarnsAndDropsInvalidTokens(t *testing.T) {
	var warned []string
	warn := func(tok, reason string) { warned = append(warned, tok) }

	ops := ParseMessage([]byte("BOGUS\x00ENV=noequals\x00PING"), warn)
	require.Len(t, ops, 1)
	assert.Equal(t, KindPing, ops[0].Kind)
	assert.Equal(t, []string{"BOGUS", "ENV=noequals"}, warned)
}

func TestParseMessageSkipsEmptyTokens(t *testing.T) {
	ops := ParseMessage([]byte("\x00\x00PING\x00"), noWarn)
	require.Len(t, ops, 1)
	assert.Equal(t, KindPing, ops[0].Kind)
}

func TestParseMessageRejectsNegativeInt(t *testing.T) {
	var warned []string
	ops := ParseMessage([]byte("SET_LOG_LEVEL=-1"), func(tok, reason string) { warned = append(warned, tok) })
	assert.Empty(t, ops)
	assert.Equal(t, []string{"SET_LOG_LEVEL=-1"}, warned)
}

func TestEnvApplyAndResolved(t *testing.T) {
	e := NewEnv()
	e.Apply(Op{Key: "FOO", Value: "bar", ValueSet: true})
	e.Apply(Op{Key: "BAZ", Value: "qux", ValueSet: true})

	assert.Equal(t, map[string]string{"FOO": "bar", "BAZ": "qux"}, e.Resolved())

	e.Apply(Op{Key: "FOO", ValueSet: false})
	assert.Equal(t, map[string]string{"BAZ": "qux"}, e.Resolved())
}

func TestEnvResolvedIsACopy(t *testing.T) {
	e := NewEnv()
	e.Apply(Op{Key: "FOO", Value: "bar", ValueSet: true})

	out := e.Resolved()
	out["FOO"] = "mutated"

	assert.Equal(t, map[string]string{"FOO": "bar"}, e.Resolved())
}

func TestApplySetLogLevelKillsWorkers(t *testing.T) {
	var gotLevel int
	var killed bool
	h := Handler{
		SetLogLevel:    func(p int) { gotLevel = p },
		KillAllWorkers: func() { killed = true },
	}
	Apply(h, []Op{{Kind: KindSetLogLevel, Int: 3}}, nil)
	assert.Equal(t, 3, gotLevel)
	assert.True(t, killed)
}

func TestApplyStopAndStartExecQueue(t *testing.T) {
	var stopped *bool
	var kicked bool
	h := Handler{
		SetStopFlag:    func(stop bool) { stopped = &stop },
		KickDispatcher: func() { kicked = true },
	}

	Apply(h, []Op{{Kind: KindStopExecQueue}}, nil)
	require.NotNil(t, stopped)
	assert.True(t, *stopped)
	assert.False(t, kicked)

	Apply(h, []Op{{Kind: KindStartExecQueue}}, nil)
	assert.False(t, *stopped)
	assert.True(t, kicked)
}

func TestApplyReloadCallsReloadKillNotify(t *testing.T) {
	var order []string
	h := Handler{
		Reload:         func() { order = append(order, "reload") },
		KillAllWorkers: func() { order = append(order, "kill") },
		NotifyReady:    func() { order = append(order, "notify") },
	}
	Apply(h, []Op{{Kind: KindReload}}, nil)
	assert.Equal(t, []string{"reload", "kill", "notify"}, order)
}

func TestApplySetEnvKillsWorkers(t *testing.T) {
	var gotOp Op
	var killed bool
	h := Handler{
		SetEnv:         func(op Op) { gotOp = op },
		KillAllWorkers: func() { killed = true },
	}
	Apply(h, []Op{{Kind: KindSetEnv, Key: "FOO", Value: "bar", ValueSet: true}}, nil)
	assert.Equal(t, "FOO", gotOp.Key)
	assert.True(t, killed)
}

func TestApplySetChildrenMaxNotifiesReady(t *testing.T) {
	var gotN int
	var notified bool
	h := Handler{
		SetChildrenMax: func(n int) { gotN = n },
		NotifyReady:    func() { notified = true },
	}
	Apply(h, []Op{{Kind: KindSetChildrenMax, Int: 9}}, nil)
	assert.Equal(t, 9, gotN)
	assert.True(t, notified)
}

func TestApplyPing(t *testing.T) {
	var pinged bool
	h := Handler{Ping: func() { pinged = true }}
	Apply(h, []Op{{Kind: KindPing}}, nil)
	assert.True(t, pinged)
}

func TestApplyExitPassesAck(t *testing.T) {
	var gotAck func()
	ack := func() {}
	h := Handler{BeginExit: func(a func()) { gotAck = a }}
	Apply(h, []Op{{Kind: KindExit}}, ack)

	require.NotNil(t, gotAck)
}

func TestApplyNilHandlerFieldsAreSkipped(t *testing.T) {
	assert.NotPanics(t, func() {
		Apply(Handler{}, []Op{
			{Kind: KindSetLogLevel},
			{Kind: KindStopExecQueue},
			{Kind: KindStartExecQueue},
			{Kind: KindReload},
			{Kind: KindSetEnv},
			{Kind: KindSetChildrenMax},
			{Kind: KindPing},
			{Kind: KindExit},
		}, nil)
	})
}

func TestDrainerDeliversMessages(t *testing.T) {
	msgCh := make(chan Message)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string

	done := make(chan struct{})
	go func() {
		_ = Drainer(ctx, msgCh, &longpoll.ChannelConfig{MaxSize: 4, MinSize: 1, PartialTimeout: 10 * time.Millisecond},
			func(f func()) { f() },
			func(m Message) {
				mu.Lock()
				got = append(got, string(m.Data))
				mu.Unlock()
			})
		close(done)
	}()

	msgCh <- Message{Data: []byte("PING")}
	msgCh <- Message{Data: []byte("RELOAD")}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"PING", "RELOAD"}, got)
	mu.Unlock()

	cancel()
	<-done
}

func TestDefaultChannelConfig(t *testing.T) {
	cfg := DefaultChannelConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 8, cfg.MaxSize)
	assert.Equal(t, 1, cfg.MinSize)
	assert.Equal(t, 5*time.Millisecond, cfg.PartialTimeout)
}
