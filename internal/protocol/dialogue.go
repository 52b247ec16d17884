package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Epoch is the zero of instrument time stamps.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Status groups selectable in a status request, in bitmap order.
const (
	GroupStationMonitor = "SM"
	GroupGPS            = "GPS"
	GroupPLL            = "PLL"
	GroupLogger         = "LS"
)

// Envelope is one registration dialogue message. Exactly one member is
// normally set.
type Envelope struct {
	XMLName   xml.Name       `xml:"Q660_Data"`
	RegReq    *RegRequest    `xml:"regreq,omitempty"`
	Challenge string         `xml:"challenge,omitempty"`
	RegResp   *RegResponse   `xml:"regresp,omitempty"`
	Error     string         `xml:"error,omitempty"`
	CfgSize   int            `xml:"cfgsize,omitempty"`
	Status    *StatusRequest `xml:"status,omitempty"`
	Run       *RunRequest    `xml:"run,omitempty"`
}

// RegRequest opens a registration.
type RegRequest struct {
	Serial string `xml:"sn"`
}

// RegResponse answers the registration challenge. Exactly one of Start
// and Resume is set; both are seconds since Epoch.
type RegResponse struct {
	Serial    string `xml:"sn"`
	Priority  int    `xml:"priority"`
	Challenge string `xml:"challenge"`
	Random    string `xml:"random"`
	Hash      string `xml:"hash"`
	Start     *int64 `xml:"start,omitempty"`
	Resume    *int64 `xml:"resume,omitempty"`
	MaxSPS    int    `xml:"maxsps"`
	POCToken  string `xml:"poc_token,omitempty"`
	Ident     string `xml:"ident,omitempty"`
}

// StatusRequest sets the status interval and the groups to include.
type StatusRequest struct {
	Interval int    `xml:"interval"`
	Include  string `xml:"include"`
}

// RunRequest enables data flow.
type RunRequest struct {
	LowLatency int `xml:"lowlat"`
}

// Kind names the member that is set, for logging.
func (e *Envelope) Kind() string {
	switch {
	case e.RegReq != nil:
		return "regreq"
	case e.RegResp != nil:
		return "regresp"
	case e.Challenge != "":
		return "challenge"
	case e.Error != "":
		return "error"
	case e.CfgSize != 0:
		return "cfgsize"
	case e.Status != nil:
		return "status"
	case e.Run != nil:
		return "run"
	default:
		return "empty"
	}
}

// Marshal renders the envelope followed by a newline.
func (e *Envelope) Marshal() ([]byte, error) {
	out, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", e.Kind(), err)
	}
	return append(out, '\n'), nil
}

// ParseEnvelope parses one envelope produced by the framer.
func ParseEnvelope(p []byte) (*Envelope, error) {
	var e Envelope
	if err := xml.Unmarshal(p, &e); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	e.Challenge = strings.TrimSpace(e.Challenge)
	e.Error = strings.TrimSpace(e.Error)
	return &e, nil
}

// FormatSerial renders a serial number as 16 lowercase hex digits.
func FormatSerial(serial uint64) string {
	return fmt.Sprintf("%016x", serial)
}

// ParseSerial parses a serial number written in hex, with or without a
// 0x prefix.
func ParseSerial(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid serial number %q: %w", s, err)
	}
	return v, nil
}

// RegistrationHash is the challenge response:
// SHA-256 over serial, challenge, password and random, as lowercase hex.
func RegistrationHash(serial uint64, challenge, password, random string) string {
	h := sha256.New()
	h.Write([]byte(FormatSerial(serial)))
	h.Write([]byte(challenge))
	h.Write([]byte(password))
	h.Write([]byte(random))
	return hex.EncodeToString(h.Sum(nil))
}

// NewNonce returns a fresh random nonce of 8 hex digits.
func NewNonce() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ToEpoch converts t to whole seconds since Epoch.
func ToEpoch(t time.Time) int64 {
	return int64(t.Sub(Epoch) / time.Second)
}

// FromEpoch converts seconds since Epoch to a time.
func FromEpoch(sec int64) time.Time {
	return Epoch.Add(time.Duration(sec) * time.Second)
}

// Group is one entry of a status include list.
type Group struct {
	Name     string
	Suppress bool // ":3" suffix: reported only on request
}

// FormatInclude renders an include list, e.g. "SM,GPS:3,PLL,LS".
func FormatInclude(groups []Group) string {
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.Suppress {
			parts = append(parts, g.Name+":3")
			continue
		}
		parts = append(parts, g.Name)
	}
	return strings.Join(parts, ",")
}

// ParseInclude parses an include list.
func ParseInclude(s string) ([]Group, error) {
	var groups []Group
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, suffix, found := strings.Cut(part, ":")
		if found && suffix != "3" {
			return nil, fmt.Errorf("invalid status group suffix in %q", part)
		}
		if StatusBit(name) < 0 {
			return nil, fmt.Errorf("unknown status group %q", name)
		}
		groups = append(groups, Group{Name: name, Suppress: found})
	}
	return groups, nil
}

// StatusBit returns the bitmap bit of a status group, -1 if unknown.
func StatusBit(name string) int {
	switch name {
	case GroupStationMonitor:
		return 0
	case GroupGPS:
		return 1
	case GroupPLL:
		return 2
	case GroupLogger:
		return 3
	}
	return -1
}

// RegistrationError is the class of an error reply to a registration.
type RegistrationError int

const (
	RegInvalid   RegistrationError = iota // bad credentials or serial
	RegBadStart                           // requested start time not available
	RegNotReady                           // instrument not ready yet
)

func (r RegistrationError) String() string {
	switch r {
	case RegBadStart:
		return "bad_start_time"
	case RegNotReady:
		return "not_ready"
	default:
		return "invalid_registration"
	}
}

// ClassifyError maps the text of an error envelope to its class.
func ClassifyError(text string) RegistrationError {
	switch {
	case strings.HasPrefix(text, "Requested"):
		return RegBadStart
	case strings.Contains(text, "Ready"):
		return RegNotReady
	default:
		return RegInvalid
	}
}
