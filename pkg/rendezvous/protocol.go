// Package rendezvous implements the line protocol spoken with a rendezvous
// server: source-port echo, clock sync, punch registration and the
// CANDIDATE / CHALLENGE / ACCEPT / FIGHT exchange that schedules a TCP
// simultaneous open.
package rendezvous

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verb is the first word of a protocol line
type Verb string

const (
	// Client -> Server
	VerbSource       Verb = "SOURCE"       // SOURCE TCP <n>
	VerbTime         Verb = "TIME"         // TIME
	VerbSimultaneous Verb = "SIMULTANEOUS" // SIMULTANEOUS READY <passive-port>
	VerbCandidate    Verb = "CANDIDATE"    // CANDIDATE <ip> <port> TCP <ports>
	VerbAccept       Verb = "ACCEPT"       // ACCEPT <ip> <ports> TCP
	VerbRelay        Verb = "RELAY"        // RELAY TCP <ip> <port>

	// Server -> Client
	VerbRemote    Verb = "REMOTE"    // REMOTE TCP <port>
	VerbReady     Verb = "READY"     // READY
	VerbChallenge Verb = "CHALLENGE" // CHALLENGE <ip> <ports> TCP
	VerbFight     Verb = "FIGHT"     // FIGHT <ip> <ports> TCP <unix-ms>
	VerbOK        Verb = "OK"        // OK
	VerbError     Verb = "ERROR"     // ERROR <reason>
)

// Error reasons
const (
	ReasonNotFound    = "NOT_FOUND"
	ReasonBadRequest  = "BAD_REQUEST"
	ReasonUnreachable = "UNREACHABLE"
	ReasonGone        = "GONE"
)

const proto = "TCP"

// Message is one parsed line
type Message struct {
	Verb Verb
	Args []string
}

// Parse splits a line into its verb and arguments
func Parse(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}
	return Message{Verb: Verb(strings.ToUpper(fields[0])), Args: fields[1:]}, nil
}

func (m Message) String() string {
	if len(m.Args) == 0 {
		return string(m.Verb)
	}
	return string(m.Verb) + " " + strings.Join(m.Args, " ")
}

// Challenge is pushed to a registered node when someone wants to punch it
type Challenge struct {
	IP    string
	Ports []int
}

func (c Challenge) String() string {
	return fmt.Sprintf("%s %s %s %s", VerbChallenge, c.IP, FormatPorts(c.Ports), proto)
}

// Fight tells both sides whom to connect to and when
type Fight struct {
	IP    string
	Ports []int
	At    time.Time // server clock
}

func (f Fight) String() string {
	return fmt.Sprintf("%s %s %s %s %d", VerbFight, f.IP, FormatPorts(f.Ports), proto, f.At.UnixMilli())
}

// Candidate asks the server to match a registered node
type Candidate struct {
	IP    string
	Port  int // passive port of the target; 0 matches by IP only
	Ports []int
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s %d %s %s", VerbCandidate, c.IP, c.Port, proto, FormatPorts(c.Ports))
}

// FormatPorts renders a comma separated port list
func FormatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// ParsePorts parses a comma separated port list
func ParsePorts(s string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("bad port %q", part)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("empty port list")
	}
	return ports, nil
}

// ParseChallenge decodes CHALLENGE <ip> <ports> TCP
func ParseChallenge(m Message) (Challenge, error) {
	if m.Verb != VerbChallenge || len(m.Args) != 3 || m.Args[2] != proto {
		return Challenge{}, fmt.Errorf("malformed challenge %q", m)
	}
	ports, err := ParsePorts(m.Args[1])
	if err != nil {
		return Challenge{}, fmt.Errorf("malformed challenge %q: %w", m, err)
	}
	return Challenge{IP: m.Args[0], Ports: ports}, nil
}

// ParseFight decodes FIGHT <ip> <ports> TCP <unix-ms>
func ParseFight(m Message) (Fight, error) {
	if m.Verb != VerbFight || len(m.Args) != 4 || m.Args[2] != proto {
		return Fight{}, fmt.Errorf("malformed fight %q", m)
	}
	ports, err := ParsePorts(m.Args[1])
	if err != nil {
		return Fight{}, fmt.Errorf("malformed fight %q: %w", m, err)
	}
	ms, err := strconv.ParseInt(m.Args[3], 10, 64)
	if err != nil {
		return Fight{}, fmt.Errorf("malformed fight %q: %w", m, err)
	}
	return Fight{IP: m.Args[0], Ports: ports, At: time.UnixMilli(ms)}, nil
}

// ParseCandidate decodes CANDIDATE <ip> <port> TCP <ports>
func ParseCandidate(m Message) (Candidate, error) {
	if m.Verb != VerbCandidate || len(m.Args) != 4 || m.Args[2] != proto {
		return Candidate{}, fmt.Errorf("malformed candidate %q", m)
	}
	port, err := strconv.Atoi(m.Args[1])
	if err != nil || port < 0 || port > 65535 {
		return Candidate{}, fmt.Errorf("malformed candidate %q", m)
	}
	ports, err := ParsePorts(m.Args[3])
	if err != nil {
		return Candidate{}, fmt.Errorf("malformed candidate %q: %w", m, err)
	}
	return Candidate{IP: m.Args[0], Port: port, Ports: ports}, nil
}

// ParseAccept decodes ACCEPT <ip> <ports> TCP
func ParseAccept(m Message) (Challenge, error) {
	if m.Verb != VerbAccept || len(m.Args) != 3 || m.Args[2] != proto {
		return Challenge{}, fmt.Errorf("malformed accept %q", m)
	}
	ports, err := ParsePorts(m.Args[1])
	if err != nil {
		return Challenge{}, fmt.Errorf("malformed accept %q: %w", m, err)
	}
	return Challenge{IP: m.Args[0], Ports: ports}, nil
}

// FormatAccept renders ACCEPT <ip> <ports> TCP
func FormatAccept(ip string, ports []int) string {
	return fmt.Sprintf("%s %s %s %s", VerbAccept, ip, FormatPorts(ports), proto)
}

// ParseRelay decodes RELAY TCP <ip> <port>
func ParseRelay(m Message) (string, int, error) {
	if m.Verb != VerbRelay || len(m.Args) != 3 || m.Args[0] != proto {
		return "", 0, fmt.Errorf("malformed relay %q", m)
	}
	port, err := strconv.Atoi(m.Args[2])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("malformed relay %q", m)
	}
	return m.Args[1], port, nil
}

// FormatRelay renders RELAY TCP <ip> <port>
func FormatRelay(ip string, port int) string {
	return fmt.Sprintf("%s %s %s %d", VerbRelay, proto, ip, port)
}

// FormatError renders ERROR <reason>
func FormatError(reason string) string {
	return fmt.Sprintf("%s %s", VerbError, reason)
}
