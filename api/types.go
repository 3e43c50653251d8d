package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Direction 数据包的流向
type Direction uint8

const (
	// Inbound client -> server, before the packet reaches game logic.
	Inbound Direction = iota + 1
	// Outbound server -> client, before the packet reaches the wire.
	Outbound
)

var directionMap = map[Direction]string{
	Inbound:  "inbound",
	Outbound: "outbound",
}

func (d Direction) String() string {
	if n, ok := directionMap[d]; ok {
		return n
	}
	return "unknown"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDirection accepts "inbound"/"in"/"receiving" and "outbound"/"out"/"sending".
// An empty string yields 0, which rules treat as "both directions".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return 0, nil
	case "inbound", "in", "receiving":
		return Inbound, nil
	case "outbound", "out", "sending":
		return Outbound, nil
	}
	return 0, fmt.Errorf("invalid direction: %q", s)
}

// TypeID is the protocol's declared packet type.
type TypeID int32

func (t TypeID) String() string {
	return "0x" + strings.ToUpper(strconv.FormatInt(int64(t), 16))
}

// ConnectionID is an opaque token identifying one host connection.
type ConnectionID string

// Patch 描述对数据包字节的一次修改
type Patch struct {
	Offset int    `json:"offset"`
	Data   []byte `json:"data"`
	// Truncate cuts the buffer right after this patch.
	Truncate bool `json:"truncate,omitempty"`
}

func (p Patch) String() string {
	return fmt.Sprintf("offset=%d len=%d truncate=%v", p.Offset, len(p.Data), p.Truncate)
}

// VerdictKind 过滤脚本的判定类型
type VerdictKind uint8

const (
	VerdictAllow VerdictKind = iota
	VerdictModify
	VerdictDrop
	VerdictError
)

var verdictMap = map[VerdictKind]string{
	VerdictAllow:  "allow",
	VerdictModify: "modify",
	VerdictDrop:   "drop",
	VerdictError:  "error",
}

func (k VerdictKind) String() string {
	if n, ok := verdictMap[k]; ok {
		return n
	}
	return "unknown"
}

// Verdict is the outcome of one filter execution.
type Verdict struct {
	Kind    VerdictKind
	Patches []Patch
	Reason  string
	Cause   error
}

func Allow() Verdict { return Verdict{Kind: VerdictAllow} }

func Drop(reason string) Verdict { return Verdict{Kind: VerdictDrop, Reason: reason} }

func Modify(patches ...Patch) Verdict { return Verdict{Kind: VerdictModify, Patches: patches} }

func Fail(cause error) Verdict { return Verdict{Kind: VerdictError, Cause: cause} }

// Terminal reports whether the verdict stops the rule chain.
func (v Verdict) Terminal() bool {
	return v.Kind == VerdictDrop || v.Kind == VerdictError
}

func (v Verdict) String() string {
	switch v.Kind {
	case VerdictModify:
		return fmt.Sprintf("modify(%d patches)", len(v.Patches))
	case VerdictDrop:
		if v.Reason != "" {
			return fmt.Sprintf("drop(%s)", v.Reason)
		}
	case VerdictError:
		if v.Cause != nil {
			return fmt.Sprintf("error(%s)", v.Cause)
		}
	}
	return v.Kind.String()
}

// Disposition 数据包事件的最终状态
type Disposition uint8

const (
	Allowed Disposition = iota
	Modified
	Dropped
	Failed
)

var dispositionMap = map[Disposition]string{
	Allowed:  "allowed",
	Modified: "modified",
	Dropped:  "dropped",
	Failed:   "failed",
}

func (d Disposition) String() string {
	if n, ok := dispositionMap[d]; ok {
		return n
	}
	return "unknown"
}

func (d Disposition) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// FailurePolicy decides what a Failed packet event turns into for the host.
type FailurePolicy uint8

const (
	FailClosed FailurePolicy = iota
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail-open"
	}
	return "fail-closed"
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-closed", "closed", "drop":
		return FailClosed, nil
	case "fail-open", "open", "allow":
		return FailOpen, nil
	}
	return FailClosed, fmt.Errorf("invalid failure policy: %q", s)
}

// Result is what the host receives for one packet event.
type Result struct {
	Disposition Disposition
	// Bytes is the payload to deliver: the original buffer for Allowed,
	// the rewritten buffer for Modified, nil when the packet is suppressed.
	Bytes      []byte
	RuleID     string
	Verdict    Verdict
	Cause      error
	Executions int
	Policy     FailurePolicy
}

// Deliver reports whether the host should pass Bytes on.
func (r Result) Deliver() bool {
	switch r.Disposition {
	case Allowed, Modified:
		return true
	case Failed:
		return r.Policy == FailOpen
	}
	return false
}

// AuditEvent 过滤决策的审计事件
type AuditEvent struct {
	ID           string       `json:"id" bson:"_id"`
	Timestamp    time.Time    `json:"timestamp" bson:"timestamp"`
	ConnectionID ConnectionID `json:"connection_id" bson:"connection_id"`
	Direction    Direction    `json:"direction" bson:"direction"`
	TypeID       TypeID       `json:"type_id" bson:"type_id"`
	RuleID       *string      `json:"rule_id" bson:"rule_id"`
	Verdict      string       `json:"verdict" bson:"verdict"`
	Disposition  Disposition  `json:"disposition" bson:"disposition"`
	ErrorCause   *string      `json:"error_cause" bson:"error_cause"`
}

func (e *AuditEvent) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(b)
}

// RuleFailure is one rule excluded from a snapshot.
type RuleFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ReloadReport 规则重载报告
type ReloadReport struct {
	Version  uint64        `json:"version"`
	Compiled []string      `json:"compiled"`
	Disabled []string      `json:"disabled"`
	Failed   []RuleFailure `json:"failed"`
}

func (r *ReloadReport) OK() bool {
	return len(r.Failed) == 0
}

func (r *ReloadReport) String() string {
	return fmt.Sprintf("version=%d compiled=%d disabled=%d failed=%d",
		r.Version, len(r.Compiled), len(r.Disabled), len(r.Failed))
}
