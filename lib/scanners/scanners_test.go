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

package scanners

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/dissect/lib/scan"
	logutils "github.com/gravitational/dissect/lib/utils/log"
)

// memUploader captures extracted child bytes in memory.
type memUploader struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newMemUploader() *memUploader {
	return &memUploader{store: make(map[string][]byte)}
}

func (u *memUploader) AppendData(ctx context.Context, pointer string, chunk []byte, expireAt time.Time) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.store[pointer] = append(u.store[pointer], chunk...)
	return nil
}

func (u *memUploader) bytes(pointer string) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.store[pointer]
}

// runScanner resolves name through the registry and runs it once against
// data, returning the result and the uploader holding any extractions.
func runScanner(t *testing.T, name string, data []byte, options scan.Options) (*scan.Result, *memUploader) {
	t.Helper()
	uploader := newMemUploader()
	harness, err := scan.NewHarness(scan.HarnessConfig{
		Uploader: uploader,
		Logger:   logutils.DiscardLogger,
	})
	require.NoError(t, err)

	cache := scan.NewCache(scan.FactoryConfig{Logger: logutils.DiscardLogger})
	scanner, err := cache.Get(name)
	require.NoError(t, err)

	file := scan.NewFile(scan.WithName("fixture"))
	result, err := harness.Run(context.Background(), scanner, data, file, options, time.Now().Add(time.Minute))
	require.NoError(t, err)
	return result, uploader
}

func field(t *testing.T, result *scan.Result, key string) any {
	t.Helper()
	v, ok := result.Event.Get(key)
	require.True(t, ok, "missing result field %v", key)
	return v
}

func children(t *testing.T, result *scan.Result, want int) []*scan.File {
	t.Helper()
	require.Len(t, result.Children, want)
	return result.Children
}

func TestHash(t *testing.T) {
	t.Parallel()
	result, _ := runScanner(t, "ScanHash", []byte("hello"), nil)

	require.Equal(t, "5d41402abc4b2a76b9719d911017c592", field(t, result, "md5"))
	require.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", field(t, result, "sha1"))
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", field(t, result, "sha256"))
	require.Len(t, field(t, result, "xxhash64"), 16)
	require.Empty(t, result.Children)
}

func TestEntropy(t *testing.T) {
	t.Parallel()

	require.Zero(t, shannon(bytes.Repeat([]byte{'a'}, 1024)))
	require.Zero(t, shannon(nil))

	uniform := make([]byte, 256)
	for i := range uniform {
		uniform[i] = byte(i)
	}
	require.InDelta(t, 8.0, shannon(uniform), 1e-9)

	result, _ := runScanner(t, "ScanEntropy", []byte("hello hello hello"), nil)
	entropy, ok := field(t, result, "entropy").(float64)
	require.True(t, ok)
	require.Greater(t, entropy, 0.0)
	require.Less(t, entropy, 8.0)
}

func TestStrings(t *testing.T) {
	t.Parallel()
	data := []byte("one\x00\x01two22\x02\x03x\x04four44")

	result, _ := runScanner(t, "ScanStrings", data, nil)
	require.Equal(t, []string{"two22", "four44"}, field(t, result, "strings"))

	// runs shorter than four bytes never qualify, the limit option caps
	// the rest
	result, _ = runScanner(t, "ScanStrings", data, scan.Options{"limit": 1})
	require.Equal(t, []string{"two22"}, field(t, result, "strings"))
	flags, _ := result.Event.Get("flags")
	require.Contains(t, flags, "truncated")
}

func TestBase64(t *testing.T) {
	t.Parallel()

	result, uploader := runScanner(t, "ScanBase64", []byte("aGVsbG8="), nil)
	require.Equal(t, 5, field(t, result, "decoded_size"))
	require.Equal(t, []byte("hello"), field(t, result, "decoded_header"))

	child := children(t, result, 1)[0]
	require.Equal(t, "ScanBase64", child.Source)
	require.Equal(t, []byte("hello"), uploader.bytes(child.Pointer))
}

func TestBase64NotDecodable(t *testing.T) {
	t.Parallel()

	result, _ := runScanner(t, "ScanBase64", []byte("!!! definitely not base64 !!!"), nil)
	flags, _ := result.Event.Get("flags")
	require.Contains(t, flags, "not_decodable_from_base64")
	require.Empty(t, result.Children)
}

func TestGzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	writer.Name = "inner.txt"
	_, err := writer.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	result, uploader := runScanner(t, "ScanGzip", buf.Bytes(), nil)
	require.Equal(t, 11, field(t, result, "size"))
	require.Equal(t, "inner.txt", field(t, result, "original_name"))

	child := children(t, result, 1)[0]
	require.Equal(t, "ScanGzip", child.Source)
	require.Equal(t, "inner.txt", child.Name)
	require.Equal(t, []byte("hello world"), uploader.bytes(child.Pointer))
}

func TestGzipNotCompressed(t *testing.T) {
	t.Parallel()

	result, _ := runScanner(t, "ScanGzip", []byte("plain bytes"), nil)
	flags, _ := result.Event.Get("flags")
	require.Contains(t, flags, "not_gzip_compressed")
	require.Empty(t, result.Children)
}

func TestZlib(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writer := zlib.NewWriter(&buf)
	_, err := writer.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	result, uploader := runScanner(t, "ScanZlib", buf.Bytes(), nil)
	require.Equal(t, 11, field(t, result, "size"))

	child := children(t, result, 1)[0]
	require.Equal(t, []byte("hello world"), uploader.bytes(child.Pointer))

	result, _ = runScanner(t, "ScanZlib", []byte("plain bytes"), nil)
	flags, _ := result.Event.Get("flags")
	require.Contains(t, flags, "not_zlib_compressed")
}

func TestHeaderFooter(t *testing.T) {
	t.Parallel()
	data := []byte(strings.Repeat("h", 60) + strings.Repeat("f", 60))

	result, _ := runScanner(t, "ScanHeader", data, nil)
	require.Equal(t, []byte(strings.Repeat("h", 50)), field(t, result, "header"))

	result, _ = runScanner(t, "ScanFooter", data, nil)
	require.Equal(t, []byte(strings.Repeat("f", 50)), field(t, result, "footer"))

	// the length option overrides the default, short files come back
	// whole
	result, _ = runScanner(t, "ScanHeader", data, scan.Options{"length": 3})
	require.Equal(t, []byte("hhh"), field(t, result, "header"))

	result, _ = runScanner(t, "ScanFooter", []byte("tiny"), nil)
	require.Equal(t, []byte("tiny"), field(t, result, "footer"))
}

func TestURL(t *testing.T) {
	t.Parallel()
	data := []byte(`Click https://sub.example.com/payload.bin or https://sub.example.com/payload.bin
and reply to bob@example.com before it is gone`)

	result, _ := runScanner(t, "ScanURL", data, nil)
	require.Equal(t, []string{"https://sub.example.com/payload.bin"}, field(t, result, "urls"))
	require.Equal(t, []string{"bob@example.com"}, field(t, result, "emails"))

	iocs, ok := field(t, result, "iocs").([]scan.IOC)
	require.True(t, ok)
	values := make(map[string]string, len(iocs))
	for _, ioc := range iocs {
		values[ioc.Value] = ioc.Kind
		require.Equal(t, "ScanURL", ioc.Scanner)
	}
	// the url indicator drags a registered-domain indicator along
	require.Equal(t, map[string]string{
		"https://sub.example.com/payload.bin": scan.IOCURL,
		"example.com":                         scan.IOCDomain,
		"bob@example.com":                     scan.IOCEmail,
	}, values)
}

const yaraFixture = `
rule hello_payload
{
    meta:
        author = "dissect"
        severity = "low"
    strings:
        $hello = "hello"
    condition:
        $hello
}
`

func TestYara(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.yara"), []byte(yaraFixture), 0o644))

	result, _ := runScanner(t, "ScanYara", []byte("well hello there"),
		scan.Options{"location": dir, "meta": []string{"author"}})

	require.NotNil(t, field(t, result, "matches"))
	out, err := result.Event.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(out), `"name":"hello_payload"`)
	require.Contains(t, string(out), `"author":"dissect"`)
	// unlisted meta identifiers stay out of the event
	require.NotContains(t, string(out), "severity")
}

func TestYaraNoLocation(t *testing.T) {
	t.Parallel()

	result, _ := runScanner(t, "ScanYara", []byte("data"), nil)
	flags, _ := result.Event.Get("flags")
	require.Contains(t, flags, "no_rule_location")
}

func TestYaraCompileError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yara"), []byte("rule {"), 0o644))

	result, _ := runScanner(t, "ScanYara", []byte("data"), scan.Options{"location": dir})
	flags, _ := result.Event.Get("flags")
	require.Contains(t, flags, "compiling_error")
}
