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
	"net/url"
	"slices"

	"github.com/asaskevich/govalidator"
	"golang.org/x/net/publicsuffix"
)

// Indicator kinds accepted by AddIOCs.
const (
	IOCMD5    = "md5"
	IOCSHA1   = "sha1"
	IOCSHA256 = "sha256"
	IOCDomain = "domain"
	IOCURL    = "url"
	IOCEmail  = "email"
	IOCIP     = "ip"
)

var acceptedIOCKinds = []string{IOCMD5, IOCSHA1, IOCSHA256, IOCDomain, IOCURL, IOCEmail, IOCIP}

// IOC is a validated indicator of compromise captured during a scan.
type IOC struct {
	Value       string `json:"ioc"`
	Kind        string `json:"ioc_type"`
	Scanner     string `json:"scanner"`
	Description string `json:"description,omitempty"`
	Malicious   bool   `json:"malicious,omitempty"`
}

// IOCOption configures indicators recorded by AddIOCs.
type IOCOption func(*IOC)

// WithDescription annotates recorded indicators.
func WithDescription(description string) IOCOption {
	return func(ioc *IOC) { ioc.Description = description }
}

// Malicious marks recorded indicators as a reasonable determination of
// malicious use. Testing values show up in real traffic, so downstream
// consumers should not treat the mark as the sole verdict.
func Malicious() IOCOption {
	return func(ioc *IOC) { ioc.Malicious = true }
}

// AddIOCs validates values of the given kind and records the survivors on
// the invocation's indicator list. Unknown kinds are dropped with a
// warning. URL indicators additionally yield a derived domain indicator,
// or an ip indicator when the host is an IPv4 literal.
func (s *State) AddIOCs(values []string, kind string, opts ...IOCOption) {
	if !slices.Contains(acceptedIOCKinds, kind) {
		s.logger.Warn("Dropping indicators of unaccepted kind.", "kind", kind, "accepted", acceptedIOCKinds)
		return
	}
	for _, value := range values {
		s.addIOC(value, kind, opts)
	}
}

func (s *State) addIOC(value, kind string, opts []IOCOption) {
	if value == "" {
		return
	}
	switch kind {
	case IOCURL:
		if host := urlHost(value); host != "" {
			if govalidator.IsIPv4(host) {
				s.addIOC(host, IOCIP, opts)
			} else if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
				s.addIOC(domain, IOCDomain, opts)
			}
		}
		if !govalidator.IsURL(value) {
			s.logger.Warn("Dropping invalid url indicator.", "ioc", value)
			return
		}
	case IOCIP:
		if !govalidator.IsIP(value) {
			s.logger.Warn("Dropping invalid ip indicator.", "ioc", value)
			return
		}
	case IOCDomain:
		if !govalidator.IsDNSName(value) {
			s.logger.Warn("Dropping invalid domain indicator.", "ioc", value)
			return
		}
	case IOCEmail:
		if !govalidator.IsEmail(value) {
			s.logger.Warn("Dropping invalid email indicator.", "ioc", value)
			return
		}
	}

	ioc := IOC{
		Value:   value,
		Kind:    kind,
		Scanner: s.scanner,
	}
	for _, opt := range opts {
		opt(&ioc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.iocs = append(s.iocs, ioc)
}

// urlHost extracts the host part of a raw URL, tolerating a missing
// scheme.
func urlHost(value string) string {
	if u, err := url.Parse(value); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if u, err := url.Parse("//" + value); err == nil {
		return u.Hostname()
	}
	return ""
}
