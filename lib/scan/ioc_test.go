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

package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logutils "github.com/gravitational/dissect/lib/utils/log"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	return newState("ScanTest", newMemUploader(), time.Now().Add(time.Minute), logutils.DiscardLogger)
}

func TestAddIOCsURLDerivation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		want []IOC
	}{
		{
			name: "domain derived from url",
			url:  "https://sub.example.co.uk/malware.exe",
			want: []IOC{
				{Value: "example.co.uk", Kind: IOCDomain, Scanner: "ScanTest"},
				{Value: "https://sub.example.co.uk/malware.exe", Kind: IOCURL, Scanner: "ScanTest"},
			},
		},
		{
			name: "ipv4 host recorded as ip",
			url:  "http://203.0.113.7/payload",
			want: []IOC{
				{Value: "203.0.113.7", Kind: IOCIP, Scanner: "ScanTest"},
				{Value: "http://203.0.113.7/payload", Kind: IOCURL, Scanner: "ScanTest"},
			},
		},
		{
			name: "port stripped before derivation",
			url:  "https://evil.example.com:8443/x",
			want: []IOC{
				{Value: "example.com", Kind: IOCDomain, Scanner: "ScanTest"},
				{Value: "https://evil.example.com:8443/x", Kind: IOCURL, Scanner: "ScanTest"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			state := newTestState(t)
			state.AddIOCs([]string{tt.url}, IOCURL)
			require.Equal(t, tt.want, state.iocs)
		})
	}
}

func TestAddIOCsValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []string
		kind   string
		want   int
	}{
		{name: "valid ip", values: []string{"198.51.100.1"}, kind: IOCIP, want: 1},
		{name: "valid ipv6", values: []string{"2001:db8::1"}, kind: IOCIP, want: 1},
		{name: "invalid ip", values: []string{"999.1.1.1"}, kind: IOCIP, want: 0},
		{name: "valid domain", values: []string{"example.com"}, kind: IOCDomain, want: 1},
		{name: "invalid domain", values: []string{"not a domain"}, kind: IOCDomain, want: 0},
		{name: "valid email", values: []string{"a@example.com"}, kind: IOCEmail, want: 1},
		{name: "invalid email", values: []string{"example.com"}, kind: IOCEmail, want: 0},
		{name: "hashes are not validated", values: []string{"zz"}, kind: IOCMD5, want: 1},
		{name: "unknown kind dropped", values: []string{"x"}, kind: "asn", want: 0},
		{name: "empty values skipped", values: []string{"", "198.51.100.1"}, kind: IOCIP, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			state := newTestState(t)
			state.AddIOCs(tt.values, tt.kind)
			require.Len(t, state.iocs, tt.want)
		})
	}
}

func TestAddIOCsOptions(t *testing.T) {
	t.Parallel()

	state := newTestState(t)
	state.AddIOCs([]string{"c2.example.com"}, IOCDomain, WithDescription("beacon endpoint"), Malicious())
	require.Len(t, state.iocs, 1)
	require.Equal(t, IOC{
		Value:       "c2.example.com",
		Kind:        IOCDomain,
		Scanner:     "ScanTest",
		Description: "beacon endpoint",
		Malicious:   true,
	}, state.iocs[0])
}

func TestAddIOCsInvalidURLKeepsDerivedDomain(t *testing.T) {
	t.Parallel()

	// derivation happens before the url itself is validated, matching
	// the recording order consumers rely on
	state := newTestState(t)
	state.AddIOCs([]string{"htt!p://bad.example.com/%"}, IOCURL)
	for _, ioc := range state.iocs {
		require.NotEqual(t, IOCURL, ioc.Kind)
	}
}
