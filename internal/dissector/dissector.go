// Package dissector implements the optional password-disclosure dissector
// hook described in spec.md §1: an inspection pass over relayed plaintext
// bytes that looks for recognizable credential patterns (HTTP Basic auth
// and FTP USER/PASS; "user:pass@" URLs are not recognized), consumed by the
// core as corectx.Dissector.
package dissector

import (
	"bytes"
	"encoding/base64"
	"sync/atomic"

	"github.com/ealireza/socks5d/internal/corectx"
)

// Finding is one recognized credential pattern, reported via a Sink.
type Finding struct {
	Username string
	Source   string // e.g. "http-basic", "ftp-user", "ftp-pass"
	Dir      corectx.Direction
	Value    string
}

// Sink receives dissector findings. The management channel's
// GET_DISSECTOR/SET_DISSECTOR commands toggle whether the dissector runs
// at all; findings themselves are reported to a LogSink by cmd/socks5d's
// default Sink implementation.
type Sink interface {
	Report(Finding)
}

// Dissector implements corectx.Dissector. enabled is an atomic bool so
// that SetEnabled (called from the management channel) needs no lock even
// when the management channel runs on a different goroutine than the
// reactor, per spec.md §5.
type Dissector struct {
	enabled atomic.Bool
	sink    Sink
}

// New builds a Dissector reporting to sink, initially set to on per
// args.c's default (disectorsEnabled = true unless -N is given).
func New(sink Sink) *Dissector {
	d := &Dissector{sink: sink}
	d.enabled.Store(true)
	return d
}

// Enabled implements corectx.Dissector.
func (d *Dissector) Enabled() bool {
	return d.enabled.Load()
}

// SetEnabled is called by the management channel's SET_DISSECTOR command.
func (d *Dissector) SetEnabled(on bool) {
	d.enabled.Store(on)
}

// Inspect implements corectx.Dissector.
func (d *Dissector) Inspect(username string, dir corectx.Direction, data []byte) {
	if !d.enabled.Load() {
		return
	}
	if user, pass, ok := findHTTPBasicAuth(data); ok {
		d.sink.Report(Finding{Username: username, Source: "http-basic", Dir: dir, Value: user + ":" + pass})
	}
	if user, ok := findFTPCommand(data, "USER "); ok {
		d.sink.Report(Finding{Username: username, Source: "ftp-user", Dir: dir, Value: user})
	}
	if pass, ok := findFTPCommand(data, "PASS "); ok {
		d.sink.Report(Finding{Username: username, Source: "ftp-pass", Dir: dir, Value: pass})
	}
}

var basicAuthPrefix = []byte("Authorization: Basic ")

func findHTTPBasicAuth(data []byte) (user, pass string, ok bool) {
	idx := bytes.Index(data, basicAuthPrefix)
	if idx < 0 {
		return "", "", false
	}
	rest := data[idx+len(basicAuthPrefix):]
	end := bytes.IndexAny(rest, "\r\n")
	if end < 0 {
		end = len(rest)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(rest[:end]))
	if err != nil {
		return "", "", false
	}
	parts := bytes.SplitN(decoded, []byte(":"), 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return string(parts[0]), string(parts[1]), true
}

func findFTPCommand(data []byte, prefix string) (string, bool) {
	idx := bytes.Index(data, []byte(prefix))
	if idx < 0 {
		return "", false
	}
	rest := data[idx+len(prefix):]
	end := bytes.IndexAny(rest, "\r\n")
	if end < 0 {
		end = len(rest)
	}
	if end == 0 {
		return "", false
	}
	return string(rest[:end]), true
}

var _ corectx.Dissector = (*Dissector)(nil)
