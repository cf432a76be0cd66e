// Package redistest runs a minimal RESP server that answers the commands
// the slot cache sends to cluster nodes.
package redistest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// SlotRange is one entry of the CLUSTER SLOTS reply served. Nodes are
// host:port addresses; the first one is the master.
type SlotRange struct {
	Start, End int
	Nodes      []string
}

// Server is a fake cluster node.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	slots    []SlotRange
	commands []string
	conns    map[net.Conn]struct{}
	accepted int

	wg sync.WaitGroup
}

// NewServer listens on a random local port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// SetSlots replaces the topology reply.
func (s *Server) SetSlots(slots ...SlotRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = slots
}

// Commands returns the upper-cased command names received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Count returns how many times cmd was received.
func (s *Server) Count(cmd string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

// Accepted returns the number of connections accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops the server and drops every client connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for cn := range s.conns {
		_ = cn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		cn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[cn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(cn)
	}
}

func (s *Server) handle(cn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, cn)
		s.mu.Unlock()
		_ = cn.Close()
	}()

	rd := bufio.NewReader(cn)
	wr := bufio.NewWriter(cn)
	for {
		args, err := readCommand(rd)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		s.reply(wr, args)
		// Flush only when the client has nothing more buffered so that
		// pipelined commands are answered in one write.
		if rd.Buffered() == 0 {
			if err := wr.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) reply(wr *bufio.Writer, args []string) {
	name := strings.ToUpper(args[0])
	if name == "CLUSTER" && len(args) > 1 {
		name += " " + strings.ToUpper(args[1])
	}

	s.mu.Lock()
	s.commands = append(s.commands, name)
	slots := s.slots
	s.mu.Unlock()

	switch name {
	case "PING":
		wr.WriteString("+PONG\r\n")
	case "READONLY", "READWRITE", "ASKING", "SET":
		wr.WriteString("+OK\r\n")
	case "ECHO":
		if len(args) > 1 {
			writeBulk(wr, args[1])
		} else {
			wr.WriteString("-ERR wrong number of arguments for 'echo' command\r\n")
		}
	case "GET":
		writeBulk(wr, "value")
	case "CLUSTER SLOTS":
		writeSlots(wr, slots)
	default:
		fmt.Fprintf(wr, "-ERR unknown command '%s'\r\n", args[0])
	}
}

func writeBulk(wr *bufio.Writer, s string) {
	fmt.Fprintf(wr, "$%d\r\n%s\r\n", len(s), s)
}

func writeSlots(wr *bufio.Writer, slots []SlotRange) {
	fmt.Fprintf(wr, "*%d\r\n", len(slots))
	for _, r := range slots {
		fmt.Fprintf(wr, "*%d\r\n:%d\r\n:%d\r\n", 2+len(r.Nodes), r.Start, r.End)
		for i, addr := range r.Nodes {
			host, port, _ := net.SplitHostPort(addr)
			fmt.Fprintf(wr, "*3\r\n")
			writeBulk(wr, host)
			fmt.Fprintf(wr, ":%s\r\n", port)
			writeBulk(wr, fmt.Sprintf("node-%d-%s", i, port))
		}
	}
}

// readCommand reads one multi-bulk request.
func readCommand(rd *bufio.Reader) ([]string, error) {
	line, err := readLine(rd)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}
	if line[0] != '*' {
		// Inline command.
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("redistest: bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := readLine(rd)
		if err != nil {
			return nil, err
		}
		if hdr == "" || hdr[0] != '$' {
			return nil, fmt.Errorf("redistest: bad bulk header %q", hdr)
		}
		size, err := strconv.Atoi(hdr[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(rd *bufio.Reader) (string, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
