// Package classifier implements the §6 "Classifier interface" collaborator:
// a black-box mapping from statement bytes to routing-relevant metadata.
// The core never inspects SQL syntax directly; it only calls Classify.
//
// This is a deliberately lightweight, regex-based implementation in the
// style of the teacher's own parser.Parse — a substitute for MaxScale's
// real qc_sqlite/qc_pp parser-backed classifiers, which are out of this
// module's budget (see original_source/query_classifier/).
package classifier

import (
	"regexp"
	"strings"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

// TargetClass is the routing target class of a statement.
type TargetClass int

const (
	TargetSlavePreferred TargetClass = iota
	TargetMasterOnly
	TargetAllBackends
	TargetCurrentBackend
)

// SessionEffect describes whether a statement mutates session state and
// must therefore be treated as a session command (fanned out to every
// backend).
type SessionEffect int

const (
	EffectNormal SessionEffect = iota
	EffectSessionWrite
)

// Classification is the result of classifying one client statement.
type Classification struct {
	Target           TargetClass
	Session          SessionEffect
	ResponseExpected bool
	Unknown          bool // true if the classifier could not determine intent
}

// Classifier is the narrow interface the router depends on.
type Classifier interface {
	Classify(cmd byte, payload []byte) Classification
}

// Default is the lightweight regex-based Classifier.
type Default struct{}

// New returns the default classifier.
func New() Classifier { return Default{} }

var (
	reSet         = regexp.MustCompile(`(?is)^\s*(/\*.*?\*/\s*)?SET\s+`)
	reUse         = regexp.MustCompile(`(?is)^\s*(/\*.*?\*/\s*)?USE\s+`)
	reSelect      = regexp.MustCompile(`(?is)^\s*(/\*.*?\*/\s*)?SELECT\s+`)
	reSelectMaster = regexp.MustCompile(`(?is)\bFOR\s+UPDATE\b|\bLOCK\s+IN\s+SHARE\s+MODE\b`)
	reWrite       = regexp.MustCompile(`(?is)^\s*(/\*.*?\*/\s*)?(INSERT|UPDATE|DELETE|REPLACE)\s+`)
	reDDL         = regexp.MustCompile(`(?is)^\s*(/\*.*?\*/\s*)?(CREATE|ALTER|DROP|TRUNCATE|RENAME)\s+`)
	reShow        = regexp.MustCompile(`(?is)^\s*(/\*.*?\*/\s*)?SHOW\s+`)
	reRouteHint   = regexp.MustCompile(`(?is)--\s*maxscale\s+route\s+to\s+(master|slave|server\s+(\S+))`)
)

// RoutingHint is a parsed `-- maxscale route to {master|slave|server <name>}`
// comment, which overrides the classifier's target-class decision.
type RoutingHint struct {
	Present    bool
	ToMaster   bool
	ToSlave    bool
	ServerName string
}

// ParseRoutingHint extracts a routing-hint comment from sql, if present.
func ParseRoutingHint(sql string) RoutingHint {
	m := reRouteHint.FindStringSubmatch(sql)
	if m == nil {
		return RoutingHint{}
	}
	switch strings.ToLower(m[1]) {
	case "master":
		return RoutingHint{Present: true, ToMaster: true}
	case "slave":
		return RoutingHint{Present: true, ToSlave: true}
	default:
		return RoutingHint{Present: true, ServerName: m[2]}
	}
}

// Classify implements Classifier.
func (Default) Classify(cmd byte, payload []byte) Classification {
	switch cmd {
	case proto.ComQuit:
		return Classification{Target: TargetCurrentBackend, ResponseExpected: false}
	case proto.ComPing, proto.ComInitDB, proto.ComFieldList, proto.ComStatistics:
		return Classification{Target: TargetAllBackends, Session: EffectSessionWrite, ResponseExpected: true}
	case proto.ComStmtPrepare:
		return Classification{Target: TargetAllBackends, Session: EffectSessionWrite, ResponseExpected: true}
	case proto.ComStmtExecute, proto.ComStmtFetch, proto.ComStmtSendLongData, proto.ComStmtReset:
		return Classification{Target: TargetCurrentBackend, ResponseExpected: true}
	case proto.ComStmtClose:
		return Classification{Target: TargetAllBackends, Session: EffectSessionWrite, ResponseExpected: false}
	case proto.ComChangeUser, proto.ComResetConnection:
		return Classification{Target: TargetAllBackends, Session: EffectSessionWrite, ResponseExpected: true}
	case proto.ComQuery:
		return classifySQL(string(payload))
	default:
		return Classification{Target: TargetMasterOnly, ResponseExpected: true, Unknown: true}
	}
}

func classifySQL(sql string) Classification {
	switch {
	case reSet.MatchString(sql):
		return Classification{Target: TargetAllBackends, Session: EffectSessionWrite, ResponseExpected: true}
	case reUse.MatchString(sql):
		return Classification{Target: TargetAllBackends, Session: EffectSessionWrite, ResponseExpected: true}
	case reWrite.MatchString(sql), reDDL.MatchString(sql):
		return Classification{Target: TargetMasterOnly, ResponseExpected: true}
	case reSelect.MatchString(sql):
		if reSelectMaster.MatchString(sql) {
			return Classification{Target: TargetMasterOnly, ResponseExpected: true}
		}
		return Classification{Target: TargetSlavePreferred, ResponseExpected: true}
	case reShow.MatchString(sql):
		return Classification{Target: TargetSlavePreferred, ResponseExpected: true}
	default:
		// Conservative fallback per spec §4.F.1: unclassifiable statements
		// route to master.
		return Classification{Target: TargetMasterOnly, ResponseExpected: true, Unknown: true}
	}
}
