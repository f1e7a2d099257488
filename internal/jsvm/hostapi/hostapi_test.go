package hostapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/jsvm/eventloop"
	"tether/internal/native"
	"tether/internal/ops"
	"tether/internal/resource"
)

type harness struct {
	vm    *goja.Runtime
	loop  *eventloop.Loop
	table *resource.Table
	ctx   context.Context
	out   *bytes.Buffer
	logs  *bytes.Buffer
}

func newHarness(t *testing.T, allowed ...string) *harness {
	t.Helper()
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	h := &harness{vm: vm, table: resource.NewTable(), out: &bytes.Buffer{}, logs: &bytes.Buffer{}}
	logger := zerolog.New(h.logs)
	env := &native.Env{
		Table:            h.table,
		Permissions:      native.Permissions{AllowedPaths: allowed},
		Logger:           logger,
		Version:          "0.0.0-test",
		HandshakeTimeout: 5 * time.Second,
		Stdin:            bytes.NewReader(nil),
		Stdout:           h.out,
		Stderr:           io.Discard,
	}
	require.NoError(t, env.InstallStdio())
	reg := ops.NewRegistry()
	native.Register(reg, env)
	d := ops.NewDispatcher(reg, h.table, logger)
	h.loop = eventloop.New(vm, d)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h.ctx = ctx
	require.NoError(t, Register(vm, &Context{
		Ctx:         ctx,
		Loop:        h.loop,
		Logger:      logger,
		ScriptName:  "test.js",
		ExecutionID: "exec-test",
		Config:      DefaultConfig(),
	}))
	t.Cleanup(func() {
		cancel()
		d.Close()
		_ = h.table.CloseAll()
		env.Shutdown()
	})
	return h
}

// run evaluates src, drives the loop to completion and returns the value,
// unwrapping a fulfilled promise.
func (h *harness) run(t *testing.T, src string) goja.Value {
	t.Helper()
	v, err := h.vm.RunString(src)
	require.NoError(t, err)
	require.NoError(t, h.loop.Run(h.ctx))
	if p, ok := v.Export().(*goja.Promise); ok {
		require.Equal(t, goja.PromiseStateFulfilled, p.State(), "promise result: %v", p.Result())
		return p.Result()
	}
	return v
}

func TestRegisterAndUnregister(t *testing.T) {
	h := newHarness(t)

	for _, name := range Globals {
		v := h.vm.Get(name)
		assert.False(t, v == nil || goja.IsUndefined(v), "%s missing", name)
	}
	for _, path := range []string{"Tether.log.info", "Tether.core.close", "Tether.serve", "Tether.open", "Tether.openDatabase", "Tether.compress", "Tether.cron", "Tether.connect"} {
		v := h.run(t, "typeof "+path)
		assert.Equal(t, "function", v.String(), path)
	}

	Unregister(h.vm)
	for _, name := range Globals {
		v := h.vm.Get(name)
		assert.True(t, v == nil || goja.IsUndefined(v), "%s left behind", name)
	}
}

func TestConsoleLogsThroughLogger(t *testing.T) {
	h := newHarness(t)
	h.run(t, `console.log("hello", {a: 1}, [1, 2]); Tether.log.warn("careful")`)

	logs := h.logs.String()
	assert.Contains(t, logs, `hello {\"a\":1} [1,2]`)
	assert.Contains(t, logs, `"level":"warn"`)
	assert.Contains(t, logs, `"exec_id":"exec-test"`)
}

func TestCoreCloseAndTryClose(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `
		let name = "none";
		try { Tether.core.close(4242); } catch (e) { name = e.name; }
		Tether.core.tryClose(4242);
		name;
	`)
	assert.Equal(t, "BadResource", v.String())
}

func TestCoreResources(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `Object.values(Tether.core.resources()).sort().join(",")`)
	assert.Equal(t, "stderr,stdin,stdout", v.String())
}

func TestCoreOpsReturnPromises(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `Tether.core.ops.op_sleep(1).then(() => "slept")`)
	assert.Equal(t, "slept", v.String())
}

func TestRandomUUIDAndVersion(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `[crypto.randomUUID().length, crypto.randomUUID() !== crypto.randomUUID()].join(",")`)
	assert.Equal(t, "36,true", v.String())
	assert.Equal(t, "0.0.0-test", h.run(t, `Tether.version.tether`).String())
}

func TestTimersOrderAndClear(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `
		const seen = [];
		const id = setTimeout(() => seen.push("cleared"), 1);
		clearTimeout(id);
		setTimeout((x) => seen.push(x), 20, "late");
		setTimeout(() => seen.push("early"), 1);
		new Promise((resolve) => setTimeout(() => resolve(seen.join(",")), 60));
	`)
	assert.Equal(t, "early,late", v.String())
}

func TestStdoutWrite(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `Tether.stdout.write("abc").then((n) => n)`)
	assert.Equal(t, int64(3), v.ToInteger())
	assert.Equal(t, "abc", h.out.String())
}

func TestFileReadUntilEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	h := newHarness(t, dir)

	v := h.run(t, strings.ReplaceAll(`
		(async () => {
			const f = await Tether.open(PATH);
			const buf = new Uint8Array(8);
			const n = await f.read(buf);
			const m = await f.read(buf);
			const size = await f.size();
			f.close();
			return [n, m, size, String.fromCharCode(...buf.subarray(0, n))].join(",");
		})()
	`, "PATH", `"`+path+`"`))
	assert.Equal(t, "3,,3,abc", v.String())
}

func TestFileReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.txt")
	require.NoError(t, os.WriteFile(path, []byte("streamed"), 0o644))
	h := newHarness(t, dir)

	v := h.run(t, strings.ReplaceAll(`
		(async () => {
			const f = await Tether.open(PATH);
			const reader = f.readable.getReader();
			let text = "";
			for (;;) {
				const { value, done } = await reader.read();
				if (done) break;
				text += String.fromCharCode(...value);
			}
			return text;
		})()
	`, "PATH", `"`+path+`"`))
	assert.Equal(t, "streamed", v.String())
}

func TestFilePermissionDenied(t *testing.T) {
	h := newHarness(t, t.TempDir())

	v := h.run(t, `Tether.readTextFile("/etc/passwd").then(() => "read", (e) => e.name)`)
	assert.Equal(t, "PermissionDenied", v.String())
}

func TestCompressRoundTrip(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `
		(async () => {
			const packed = await Tether.compress("gzip", "hello hello hello");
			const plain = await Tether.decompress("gzip", packed);
			return String.fromCharCode(...plain);
		})()
	`)
	assert.Equal(t, "hello hello hello", v.String())
}

func TestSQLite(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `
		(async () => {
			const db = await Tether.openDatabase(":memory:");
			await db.exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)");
			const res = await db.exec("INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1");
			const stmt = await db.prepare("SELECT v FROM kv WHERE k = ?");
			const row = await stmt.get("a");
			const missing = await stmt.get("zzz");
			stmt.close();
			db.close();
			return [res.changes, row.v, missing === null, db.isOpen].join(",");
		})()
	`)
	assert.Equal(t, "1,1,true,false", v.String())
}

func TestServe(t *testing.T) {
	h := newHarness(t)

	v, err := h.vm.RunString(`
		const server = Tether.serve({ hostname: "127.0.0.1", port: 0 }, async (req) => ({
			status: 201,
			headers: { "x-seen": req.method },
			body: "hi " + (await req.text()),
		}));
		server;
	`)
	require.NoError(t, err)
	server := v.(*goja.Object)
	addr := server.Get("addr").String()

	type reply struct {
		status int
		seen   string
		body   string
		err    error
	}
	got := make(chan reply, 1)
	go func() {
		client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
		resp, err := client.Post("http://"+addr+"/", "text/plain", strings.NewReader("there"))
		if err != nil {
			got <- reply{err: err}
		} else {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			got <- reply{status: resp.StatusCode, seen: resp.Header.Get("X-Seen"), body: string(body)}
		}
		h.loop.Enqueue(func() {
			shutdown, _ := goja.AssertFunction(server.Get("shutdown"))
			_, _ = shutdown(server)
		})
	}()

	require.NoError(t, h.loop.Run(h.ctx))
	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, 201, r.status)
	assert.Equal(t, "POST", r.seen)
	assert.Equal(t, "hi there", r.body)
}

func TestWebSocketConstants(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `[WebSocket.CONNECTING, WebSocket.OPEN, WebSocket.CLOSING, WebSocket.CLOSED].join(",")`)
	assert.Equal(t, "0,1,2,3", v.String())
}

func TestWebSocketCloseRejectsExplicitZero(t *testing.T) {
	h := newHarness(t)

	v := h.run(t, `
		const ws = new WebSocket("ws://127.0.0.1:1");
		ws.onerror = () => {};
		const names = [];
		for (const code of [0, 1005, 2999]) {
			try { ws.close(code); names.push("accepted"); } catch (e) { names.push(e.name); }
		}
		names.join(",");
	`)
	assert.Equal(t, "TypeError,TypeError,TypeError", v.String())
}
