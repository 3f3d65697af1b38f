// Package mgmt implements the management command channel supplemented
// from original_source/src/mgmt/mgmtRequest.c: a line-oriented TCP
// protocol for inspecting and mutating a running daemon (user table,
// dissector toggle, live statistics). Unlike internal/conn, this channel
// sits outside the core's single-threaded reactor constraint (spec.md §1
// scopes the reactor requirement to the SOCKS5 data path), so it's a
// plain goroutine-per-connection net.Listener server, in the teacher's
// general Go style elsewhere in the codebase.
package mgmt

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ealireza/socks5d/internal/corectx"
	"github.com/ealireza/socks5d/internal/dissector"
	"github.com/ealireza/socks5d/internal/metrics"
	"github.com/ealireza/socks5d/internal/users"
)

// maxResponseLen bounds a single command's response, the explicit fix for
// the original's unbounded memcpy into a fixed uint8_t statistics[512]
// (spec.md §9's third Open Question).
const maxResponseLen = 4096

// Server accepts management connections and executes commands against the
// daemon's shared collaborators.
type Server struct {
	ln        net.Listener
	users     *users.Store
	dissector *dissector.Dissector
	metrics   *metrics.Metrics
	log       corectx.LogSink
}

// New binds a management listener on addr.
func New(addr string, u *users.Store, d *dissector.Dissector, m *metrics.Metrics, log corectx.LogSink) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mgmt: listen %s: %w", addr, err)
	}
	return &Server{ln: ln, users: u, dissector: d, metrics: m, log: log}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting new management connections.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts management connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer c.Close()
	scanner := bufio.NewScanner(c)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.dispatch(line)
		if len(resp) > maxResponseLen {
			resp = "ERR response too large\n"
		}
		if _, err := c.Write([]byte(resp)); err != nil {
			return
		}
	}
}

// dispatch executes one command line and returns its full response,
// terminated by a trailing newline, matching mgmtRequest.c's per-command
// handlers.
func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command\n"
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "USERS":
		return s.cmdUsers()
	case "ADD_USER":
		return s.cmdAddUser(args)
	case "DELETE_USER":
		return s.cmdDeleteUser(args)
	case "GET_DISSECTOR":
		return s.cmdGetDissector()
	case "SET_DISSECTOR":
		return s.cmdSetDissector(args)
	case "STATISTICS":
		return s.cmdStatistics()
	default:
		return fmt.Sprintf("ERR unknown command %q\n", fields[0])
	}
}

func (s *Server) cmdUsers() string {
	names := s.users.List()
	var b strings.Builder
	b.WriteString("OK\n")
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *Server) cmdAddUser(args []string) string {
	if len(args) != 3 {
		return "ERR usage: ADD_USER <name> <pass> <role>\n"
	}
	roleN, err := strconv.Atoi(args[2])
	if err != nil {
		return "ERR role does not exist\n"
	}
	if err := s.users.Add(args[0], args[1], users.Role(roleN)); err != nil {
		return fmt.Sprintf("ERR %v\n", err)
	}
	return "OK\n"
}

func (s *Server) cmdDeleteUser(args []string) string {
	if len(args) != 1 {
		return "ERR usage: DELETE_USER <name>\n"
	}
	if err := s.users.Delete(args[0]); err != nil {
		return fmt.Sprintf("ERR %v\n", err)
	}
	return "OK\n"
}

func (s *Server) cmdGetDissector() string {
	if s.dissector.Enabled() {
		return "OK 1\n"
	}
	return "OK 0\n"
}

func (s *Server) cmdSetDissector(args []string) string {
	if len(args) != 1 || (args[0] != "0" && args[0] != "1") {
		return "ERR usage: SET_DISSECTOR <0|1>\n"
	}
	s.dissector.SetEnabled(args[0] == "1")
	return "OK\n"
}

func (s *Server) cmdStatistics() string {
	snap := s.metrics.GetSnapshot()
	return fmt.Sprintf(
		"OK\nCONC:%d\nMCONC:%d\nTBRECV:%d\nTBSENT:%d\nTCON:%d\n",
		snap.CurrentConnections, snap.MaxConcurrent,
		snap.TotalBytesReceived, snap.TotalBytesSent, snap.TotalConnections,
	)
}
