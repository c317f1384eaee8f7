/*
 * Dissect
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/dissect/lib/config"
	"github.com/gravitational/dissect/lib/coordinator"
	"github.com/gravitational/dissect/lib/scan"
	logutils "github.com/gravitational/dissect/lib/utils/log"
)

// fakeTaster tags every file the same way.
type fakeTaster struct {
	contentType string
	rules       []string
}

func (f fakeTaster) TasteContentType(data []byte) []string {
	return []string{f.contentType}
}

func (f fakeTaster) TasteRules(data []byte) ([]string, error) {
	return f.rules, nil
}

// fakeScanner runs an arbitrary scan function under a fixed name.
type fakeScanner struct {
	name string
	scan func(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error
}

func (s fakeScanner) Name() string { return s.name }

func (s fakeScanner) Scan(ctx context.Context, state *scan.State, data []byte, f *scan.File, options scan.Options) error {
	if s.scan == nil {
		return nil
	}
	return s.scan(ctx, state, data, f, options)
}

// fakeSource resolves scanners from a fixed map.
type fakeSource map[string]scan.Scanner

func (s fakeSource) Get(name string) (scan.Scanner, error) {
	if scanner, ok := s[name]; ok {
		return scanner, nil
	}
	return nil, trace.NotFound("scanner %q is not registered", name)
}

// env wires a dispatcher and worker against a miniredis coordinator.
type env struct {
	srv        *miniredis.Miniredis
	clt        *coordinator.Client
	dispatcher *Dispatcher
	worker     *Worker
}

type envParams struct {
	mappings     config.ScannerMappings
	scanners     fakeSource
	taster       Taster
	maxDepth     int
	maxFiles     int
	distribution time.Duration
}

func newEnv(t *testing.T, params envParams) *env {
	t.Helper()
	srv := miniredis.RunT(t)
	clt, err := coordinator.NewClient(context.Background(), coordinator.Config{
		Addr:   srv.Addr(),
		Logger: logutils.DiscardLogger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { clt.Close() })

	if params.taster == nil {
		params.taster = fakeTaster{contentType: "application/octet-stream"}
	}
	if params.maxDepth == 0 {
		params.maxDepth = 10
	}
	if params.maxFiles == 0 {
		params.maxFiles = 1
	}

	harness, err := scan.NewHarness(scan.HarnessConfig{
		Uploader: clt,
		Logger:   logutils.DiscardLogger,
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Blobs:               clt,
		Events:              clt,
		Taster:              params.taster,
		Scanners:            params.scanners,
		Harness:             harness,
		Mappings:            params.mappings,
		MaxDepth:            params.maxDepth,
		DistributionTimeout: params.distribution,
		Logger:              logutils.DiscardLogger,
	})
	require.NoError(t, err)

	worker, err := NewWorker(WorkerConfig{
		Queue:      clt,
		Events:     clt,
		Dispatcher: dispatcher,
		MaxFiles:   params.maxFiles,
		Logger:     logutils.DiscardLogger,
	})
	require.NoError(t, err)

	return &env{srv: srv, clt: clt, dispatcher: dispatcher, worker: worker}
}

// submit stores data under pointer and enqueues the request.
func (e *env) submit(t *testing.T, pointer string, data []byte, expireAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.clt.AppendData(ctx, pointer, data, expireAt))
	require.NoError(t, e.clt.PushTask(ctx, pointer, expireAt))
}

// events returns the request's decoded event stream, asserting it is
// terminated by exactly one FIN.
func (e *env) events(t *testing.T, root string) []map[string]any {
	t.Helper()
	records, err := e.srv.List("event:" + root)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, coordinator.FIN, records[len(records)-1])

	decoded := make([]map[string]any, 0, len(records)-1)
	for _, record := range records[:len(records)-1] {
		require.NotEqual(t, coordinator.FIN, record)
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(record), &event))
		decoded = append(decoded, event)
	}
	return decoded
}

func get(t *testing.T, event map[string]any, path ...string) any {
	t.Helper()
	var v any = event
	for _, key := range path {
		m, ok := v.(map[string]any)
		require.True(t, ok, "no object at %v", key)
		v, ok = m[key]
		require.True(t, ok, "missing key %v", key)
	}
	return v
}

func TestDispatchRootNoExtraction(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		mappings: parseMappings(t, `
scanners:
  ScanStrings:
    - positive:
        flavors: ["*"]
`),
		scanners: fakeSource{
			"ScanStrings": fakeScanner{name: "ScanStrings", scan: func(_ context.Context, state *scan.State, data []byte, _ *scan.File, _ scan.Options) error {
				state.Set("strings", []string{string(data)})
				return nil
			}},
		},
	})

	data := make([]byte, 64)
	for i := range data {
		data[i] = 'a'
	}
	e.submit(t, "req-1", data, time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	evts := e.events(t, "req-1")
	require.Len(t, evts, 1)
	root := evts[0]

	require.EqualValues(t, 0, get(t, root, "file", "depth"))
	require.EqualValues(t, 64, get(t, root, "file", "size"))
	require.Equal(t, "req-1", get(t, root, "file", "tree", "node"))
	require.Equal(t, "req-1", get(t, root, "file", "tree", "root"))
	require.Equal(t, []any{"ScanStrings"}, get(t, root, "file", "scanners"))

	// the root has no parent and no source, both are pruned away
	_, ok := get(t, root, "file", "tree").(map[string]any)["parent"]
	require.False(t, ok)
	_, ok = get(t, root, "file").(map[string]any)["source"]
	require.False(t, ok)

	// an uneventful scan carries no flags after pruning
	strings := get(t, root, "scan", "strings").(map[string]any)
	_, ok = strings["flags"]
	require.False(t, ok)
	require.Contains(t, strings, "elapsed")
}

func TestDispatchOneLevelExtraction(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		mappings: parseMappings(t, `
scanners:
  ScanBase64:
    - negative:
        source: '^ScanBase64$'
      positive:
        flavors: ["*"]
      priority: 6
  ScanStrings:
    - positive:
        flavors: ["*"]
`),
		scanners: fakeSource{
			"ScanBase64": fakeScanner{name: "ScanBase64", scan: func(ctx context.Context, state *scan.State, data []byte, _ *scan.File, _ scan.Options) error {
				child := scan.NewFile(scan.WithName("decoded"), scan.WithSource("ScanBase64"))
				if err := state.Upload(ctx, child.Pointer, []byte("hello")); err != nil {
					return err
				}
				state.AddChild(child)
				state.Set("decoded_size", 5)
				return nil
			}},
			"ScanStrings": fakeScanner{name: "ScanStrings", scan: func(_ context.Context, state *scan.State, data []byte, _ *scan.File, _ scan.Options) error {
				state.Set("strings", []string{string(data)})
				return nil
			}},
		},
	})

	e.submit(t, "req-2", []byte("aGVsbG8="), time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	evts := e.events(t, "req-2")
	require.Len(t, evts, 2)
	root, child := evts[0], evts[1]

	require.EqualValues(t, 0, get(t, root, "file", "depth"))
	require.Contains(t, get(t, root, "scan").(map[string]any), "base64")

	require.EqualValues(t, 1, get(t, child, "file", "depth"))
	require.Equal(t, "req-2", get(t, child, "file", "tree", "parent"))
	require.Equal(t, "req-2", get(t, child, "file", "tree", "root"))
	require.Equal(t, "decoded", get(t, child, "file", "name"))
	require.Equal(t, "ScanBase64", get(t, child, "file", "source"))
	require.Contains(t, get(t, child, "scan", "strings", "strings"), "hello")

	// the producing scanner is excluded from its own child
	require.Equal(t, []any{"ScanStrings"}, get(t, child, "file", "scanners"))
}

func TestDispatchTimeoutIsolation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		mappings: parseMappings(t, `
scanners:
  ScanSlow:
    - positive:
        flavors: ["*"]
      priority: 6
      options:
        scanner_timeout: 1
  ScanFast:
    - positive:
        flavors: ["*"]
`),
		scanners: fakeSource{
			"ScanSlow": fakeScanner{name: "ScanSlow", scan: func(ctx context.Context, state *scan.State, _ []byte, _ *scan.File, _ scan.Options) error {
				<-ctx.Done()
				return ctx.Err()
			}},
			"ScanFast": fakeScanner{name: "ScanFast", scan: func(_ context.Context, state *scan.State, _ []byte, _ *scan.File, _ scan.Options) error {
				state.Set("ok", true)
				return nil
			}},
		},
	})

	e.submit(t, "req-3", []byte("payload"), time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	evts := e.events(t, "req-3")
	require.Len(t, evts, 1)
	root := evts[0]

	require.Equal(t, []any{"ScanSlow", "ScanFast"}, get(t, root, "file", "scanners"))
	require.Contains(t, get(t, root, "scan", "slow", "flags"), scan.FlagTimedOut)
	require.Equal(t, true, get(t, root, "scan", "fast", "ok"))
}

func TestDispatchDistributionTimeoutSkipsSubtree(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		distribution: 200 * time.Millisecond,
		mappings: parseMappings(t, `
scanners:
  ScanExtract:
    - negative:
        source: '^ScanExtract$'
      positive:
        flavors: ["*"]
  ScanStuck:
    - positive:
        source: '^ScanExtract$'
`),
		scanners: fakeSource{
			"ScanExtract": fakeScanner{name: "ScanExtract", scan: func(ctx context.Context, state *scan.State, data []byte, _ *scan.File, _ scan.Options) error {
				child := scan.NewFile(scan.WithSource("ScanExtract"))
				if err := state.Upload(ctx, child.Pointer, data); err != nil {
					return err
				}
				state.AddChild(child)
				return nil
			}},
			"ScanStuck": fakeScanner{name: "ScanStuck", scan: func(ctx context.Context, _ *scan.State, _ []byte, _ *scan.File, _ scan.Options) error {
				<-ctx.Done()
				return ctx.Err()
			}},
		},
	})

	e.submit(t, "req-9", []byte("payload"), time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	// the child ran out its own file budget, so its event is skipped while
	// the parent's event and the terminator still arrive
	evts := e.events(t, "req-9")
	require.Len(t, evts, 1)
	require.EqualValues(t, 0, get(t, evts[0], "file", "depth"))
	require.Contains(t, get(t, evts[0], "scan").(map[string]any), "extract")
}

func TestDispatchNegativeFilter(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		taster: fakeTaster{contentType: "application/zip"},
		mappings: parseMappings(t, `
scanners:
  ScanPdf:
    - negative:
        flavors: ["application/zip"]
      positive:
        flavors: ["*"]
  ScanZip:
    - positive:
        flavors: ["application/zip"]
`),
		scanners: fakeSource{
			"ScanPdf": fakeScanner{name: "ScanPdf"},
			"ScanZip": fakeScanner{name: "ScanZip"},
		},
	})

	e.submit(t, "req-4", []byte("PK"), time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	evts := e.events(t, "req-4")
	require.Len(t, evts, 1)
	require.Equal(t, []any{"ScanZip"}, get(t, evts[0], "file", "scanners"))
}

// matryoshkaSource extracts one child from every file it sees, forever.
func matryoshkaSource() fakeSource {
	return fakeSource{
		"ScanMatryoshka": fakeScanner{name: "ScanMatryoshka", scan: func(ctx context.Context, state *scan.State, data []byte, _ *scan.File, _ scan.Options) error {
			child := scan.NewFile(scan.WithSource("ScanMatryoshka"))
			if err := state.Upload(ctx, child.Pointer, data); err != nil {
				return err
			}
			state.AddChild(child)
			return nil
		}},
	}
}

const matryoshkaMappings = `
scanners:
  ScanMatryoshka:
    - positive:
        flavors: ["*"]
`

func TestDispatchDepthCap(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		mappings: parseMappings(t, matryoshkaMappings),
		scanners: matryoshkaSource(),
		maxDepth: 1,
	})

	e.submit(t, "req-5", []byte("nested"), time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	// a file at max_depth is scanned, its child past the cap is not
	evts := e.events(t, "req-5")
	require.Len(t, evts, 2)
	require.EqualValues(t, 0, get(t, evts[0], "file", "depth"))
	require.EqualValues(t, 1, get(t, evts[1], "file", "depth"))
}

func TestDispatchTreeLinkage(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		mappings: parseMappings(t, matryoshkaMappings),
		scanners: matryoshkaSource(),
		maxDepth: 2,
	})

	e.submit(t, "req-6", []byte("nested"), time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	evts := e.events(t, "req-6")
	require.Len(t, evts, 3)

	// every non-root event names a previously emitted node as its parent
	seen := map[any]bool{}
	for i, event := range evts {
		node := get(t, event, "file", "tree", "node")
		if i > 0 {
			require.True(t, seen[get(t, event, "file", "tree", "parent")],
				"event %v has an unknown parent", i)
		}
		seen[node] = true
	}

	// below the first level the tree runs on file identities, not the
	// request id
	require.NotEqual(t, "req-6", get(t, evts[1], "file", "tree", "node"))
	require.Equal(t,
		get(t, evts[1], "file", "tree", "node"),
		get(t, evts[2], "file", "tree", "parent"))
}

func TestDispatchMissingScanner(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		mappings: parseMappings(t, `
scanners:
  ScanGone:
    - positive:
        flavors: ["*"]
      priority: 9
  ScanPresent:
    - positive:
        flavors: ["*"]
`),
		scanners: fakeSource{
			"ScanPresent": fakeScanner{name: "ScanPresent"},
		},
	})

	e.submit(t, "req-7", []byte("payload"), time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	// the unresolvable scanner is omitted, the rest proceed
	evts := e.events(t, "req-7")
	require.Len(t, evts, 1)
	require.Equal(t, []any{"ScanPresent"}, get(t, evts[0], "file", "scanners"))
	require.Contains(t, get(t, evts[0], "scan").(map[string]any), "present")
}

func TestDispatchScannerCrashContained(t *testing.T) {
	t.Parallel()
	e := newEnv(t, envParams{
		mappings: parseMappings(t, `
scanners:
  ScanBroken:
    - positive:
        flavors: ["*"]
      priority: 6
  ScanPresent:
    - positive:
        flavors: ["*"]
`),
		scanners: fakeSource{
			"ScanBroken": fakeScanner{name: "ScanBroken", scan: func(_ context.Context, _ *scan.State, _ []byte, _ *scan.File, _ scan.Options) error {
				panic("scanner bug")
			}},
			"ScanPresent": fakeScanner{name: "ScanPresent"},
		},
	})

	e.submit(t, "req-8", []byte("payload"), time.Now().Add(time.Minute))
	require.NoError(t, e.worker.Run(context.Background()))

	evts := e.events(t, "req-8")
	require.Len(t, evts, 1)
	require.Contains(t, get(t, evts[0], "scan", "broken", "flags"), scan.FlagUncaughtException)
	require.Contains(t, get(t, evts[0], "scan", "broken", "exception"), "scanner bug")
	require.Contains(t, get(t, evts[0], "scan").(map[string]any), "present")
}
