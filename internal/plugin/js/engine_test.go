// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package js_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/js"
	"github.com/visorhq/visor/internal/plugin/marshal"
	"github.com/visorhq/visor/pkg/plugin"
)

func newContext(t *testing.T, policy *marshal.Policy) engine.Context {
	t.Helper()
	rt, err := js.NewEngine(js.Config{}).NewRuntime(context.Background())
	require.NoError(t, err)
	c, err := rt.NewContext(context.Background(), policy)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Dispose()
		_ = rt.Dispose()
	})
	return c
}

func drain(c engine.Context) []error {
	var errs []error
	for c.HasPendingJobs() {
		c.RunPendingJobs(func(err error) { errs = append(errs, err) })
	}
	return errs
}

func TestEngine_Compile(t *testing.T) {
	e := js.NewEngine(js.Config{})

	assert.Equal(t, "js", e.Name())
	assert.NoError(t, e.Compile("ok.js", `const x = 1; x + 1`))

	err := e.Compile("bad.js", `const = ;`)
	_, ok := engine.AsGuestError(err)
	assert.True(t, ok)
}

func TestContext_Eval(t *testing.T) {
	tests := []struct {
		name string
		code string
		want any
	}{
		{"number", `40 + 2`, float64(42)},
		{"string", `"hello".toUpperCase()`, "HELLO"},
		{"boolean", `1 < 2`, true},
		{"null", `null`, nil},
		{"array", `[1, "two"]`, []any{float64(1), "two"}},
		{"object", `({ zoom: 3, name: "cam" })`, map[string]any{"zoom": float64(3), "name": "cam"}},
	}

	c := newContext(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Eval(context.Background(), tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContext_UnsafeGlobalsRemoved(t *testing.T) {
	c := newContext(t, nil)

	for _, name := range []string{"require", "process", "eval"} {
		got, err := c.Eval(context.Background(), `typeof `+name)
		require.NoError(t, err)
		assert.Equal(t, "undefined", got, name)
	}
}

func TestContext_EvalGuestError(t *testing.T) {
	c := newContext(t, nil)

	_, err := c.Eval(context.Background(), `throw new Error("boom")`)

	ge, ok := engine.AsGuestError(err)
	require.True(t, ok)
	assert.Contains(t, ge.Message, "boom")
}

func TestContext_EvalHonorsCancellation(t *testing.T) {
	c := newContext(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Eval(ctx, `for (;;) {}`)

	ge, ok := engine.AsGuestError(err)
	require.True(t, ok)
	assert.Contains(t, ge.Message, "interrupted")

	// the VM is usable again afterwards
	got, err := c.Eval(context.Background(), `1`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got)
}

func TestContext_RejectedCallableThrowsMarshalError(t *testing.T) {
	c := newContext(t, nil)
	called := false
	require.NoError(t, c.SetGlobal("api", map[string]any{
		"version": "1",
		"danger": plugin.Func(func(...any) (any, error) {
			called = true
			return nil, nil
		}),
	}))

	got, err := c.Eval(context.Background(), `api.version`)
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	got, err = c.Eval(context.Background(), `
		let caught;
		try { api.danger(); } catch (e) { caught = e; }
		[caught instanceof MarshalError, caught.name, String(caught.message)]
	`)
	require.NoError(t, err)
	result := got.([]any)
	assert.Equal(t, true, result[0])
	assert.Equal(t, "MarshalError", result[1])
	assert.Contains(t, result[2], "MarshalError")
	assert.False(t, called)
}

func TestContext_AllowedCallable(t *testing.T) {
	policy := marshal.NewPolicy(func(v any) marshal.Verdict {
		if c := marshal.Classify(v); c != marshal.Callable {
			return marshal.DefaultVerdict(c)
		}
		return marshal.Allow
	})
	c := newContext(t, policy)
	require.NoError(t, c.SetGlobal("greet", plugin.Func(func(args ...any) (any, error) {
		if len(args) == 0 {
			return nil, errors.New("name required")
		}
		return "hi " + args[0].(string), nil
	})))

	got, err := c.Eval(context.Background(), `greet("ada")`)
	require.NoError(t, err)
	assert.Equal(t, "hi ada", got)

	got, err = c.Eval(context.Background(), `
		let msg;
		try { greet(); } catch (e) { msg = e.message; }
		msg
	`)
	require.NoError(t, err)
	assert.Contains(t, got, "name required")
}

func TestContext_TimeBecomesDate(t *testing.T) {
	c := newContext(t, nil)
	when := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

	require.NoError(t, c.SetGlobal("when", when))
	got, err := c.Eval(context.Background(), `when instanceof Date && when.getUTCFullYear()`)
	require.NoError(t, err)
	assert.Equal(t, float64(2026), got)

	back, err := c.Global("when")
	require.NoError(t, err)
	assert.True(t, when.Equal(back.(time.Time)))
}

func TestContext_GuestFunctionIdentity(t *testing.T) {
	c := newContext(t, nil)
	_, err := c.Eval(context.Background(), `function double(x) { return x * 2 }`)
	require.NoError(t, err)

	a, _ := c.Global("double")
	b, _ := c.Global("double")
	fn := a.(*plugin.GuestFunc)
	assert.Same(t, fn, b.(*plugin.GuestFunc))
	assert.Equal(t, "double", fn.Name())

	got, err := fn.Call(4)
	require.NoError(t, err)
	assert.Equal(t, float64(8), got)

	require.NoError(t, c.SetGlobal("again", fn))
	same, err := c.Eval(context.Background(), `again === double`)
	require.NoError(t, err)
	assert.Equal(t, true, same)
}

func TestContext_SetImmediateRunsAsJob(t *testing.T) {
	c := newContext(t, nil)

	_, err := c.Eval(context.Background(), `
		var log = [];
		setImmediate(function (x) { log.push("later " + x); }, 1);
		setImmediate(function () { throw new Error("job failed"); });
		log.push("now");
	`)
	require.NoError(t, err)

	got, _ := c.Global("log")
	assert.Equal(t, []any{"now"}, got)

	errs := drain(c)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "job failed")

	got, _ = c.Global("log")
	assert.Equal(t, []any{"now", "later 1"}, got)
}

func TestContext_PromiseChainAdvancesOneStepPerTurn(t *testing.T) {
	c := newContext(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Eval(ctx, `
		var n = 0;
		function step() { n++; if (n < 1e9) Promise.resolve().then(step); }
		step();
	`)
	require.NoError(t, err)
	require.True(t, c.HasPendingJobs(), "the chain continues on the host queue")

	n, _ := c.Global("n")
	assert.Equal(t, float64(1), n)

	for turn := 2; turn <= 4; turn++ {
		assert.Equal(t, 1, c.RunPendingJobs(nil))
		n, _ = c.Global("n")
		assert.Equal(t, float64(turn), n)
	}
	assert.True(t, c.HasPendingJobs())
}

func TestContext_PromiseReactionsKeepOrderAndErrors(t *testing.T) {
	c := newContext(t, nil)

	_, err := c.Eval(context.Background(), `
		var log = [];
		Promise.resolve(1)
			.then(function (v) { log.push("a" + v); return v + 1; })
			.then(function (v) { throw new Error("bad " + v); })
			.then(function () { log.push("skipped"); })
			.catch(function (e) { log.push(e.message); })
			.finally(function () { log.push("done"); });
		Promise.reject(new Error("early")).then(null, function (e) { log.push(e.message); });
	`)
	require.NoError(t, err)
	assert.Empty(t, drain(c))

	got, _ := c.Global("log")
	assert.Equal(t, []any{"a1", "early", "bad 2", "done"}, got)
}

func TestContext_HostDeferredBecomesPromise(t *testing.T) {
	c := newContext(t, nil)
	hd := plugin.NewDeferred()
	notified := 0
	c.SetJobNotifier(func() { notified++ })

	require.NoError(t, c.SetGlobal("pending", hd))
	_, err := c.Eval(context.Background(), `
		var result;
		pending.then(function (v) { result = v; }, function (e) { result = "err:" + e.message; });
	`)
	require.NoError(t, err)
	assert.False(t, c.HasPendingJobs())

	require.NoError(t, hd.Resolve("ready"))
	assert.Positive(t, notified)
	drain(c)

	got, _ := c.Global("result")
	assert.Equal(t, "ready", got)
}

func TestContext_AsyncHostFunctionRejection(t *testing.T) {
	c := newContext(t, nil)
	require.NoError(t, c.SetGlobal("load", plugin.AsyncFunc(func(...any) *plugin.Deferred {
		return plugin.Rejected(errors.New("offline"))
	})))

	_, err := c.Eval(context.Background(), `
		var outcome;
		load().catch(function (e) { outcome = e.message; });
	`)
	require.NoError(t, err)
	drain(c)

	got, _ := c.Global("outcome")
	assert.Contains(t, got, "offline")
}

func TestContext_GuestPromiseToHost(t *testing.T) {
	c := newContext(t, nil)

	got, err := c.Eval(context.Background(), `Promise.resolve(7)`)
	require.NoError(t, err)
	hd, ok := got.(*plugin.Deferred)
	require.True(t, ok)

	v, rerr := hd.Result()
	require.NoError(t, rerr)
	assert.Equal(t, float64(7), v)

	got, err = c.Eval(context.Background(), `Promise.reject(new Error("nope"))`)
	require.NoError(t, err)
	_, rerr = got.(*plugin.Deferred).Result()
	assert.EqualError(t, rerr, "nope")
}

func TestContext_Dispose(t *testing.T) {
	rt, err := js.NewEngine(js.Config{}).NewRuntime(context.Background())
	require.NoError(t, err)
	c, err := rt.NewContext(context.Background(), nil)
	require.NoError(t, err)

	_, err = c.Eval(context.Background(), `function f() { return 1 }`)
	require.NoError(t, err)
	v, _ := c.Global("f")
	fn := v.(*plugin.GuestFunc)

	require.NoError(t, c.Dispose())
	assert.ErrorIs(t, c.Dispose(), engine.ErrDisposed)

	_, err = fn.Call()
	assert.ErrorIs(t, err, plugin.ErrGuestReleased)
	assert.ErrorIs(t, c.SetGlobal("x", 1), engine.ErrDisposed)

	require.NoError(t, rt.Dispose())
}
