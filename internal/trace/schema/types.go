package schema

import (
	"fmt"
	"strings"
)

// Level is the ordered severity of an event.
// Lower values are more severe; LogAlways as a filter means "every level".
type Level uint8

const (
	LevelLogAlways Level = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInformational
	LevelVerbose
)

// String returns the manifest name of the level.
func (l Level) String() string {
	switch l {
	case LevelLogAlways:
		return "LogAlways"
	case LevelCritical:
		return "Critical"
	case LevelError:
		return "Error"
	case LevelWarning:
		return "Warning"
	case LevelInformational:
		return "Informational"
	case LevelVerbose:
		return "Verbose"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// ParseLevel parses a level name or number. Names match case-insensitively
// and accept the short forms used in config files.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "always", "logalways":
		return LevelLogAlways, nil
	case "1", "critical":
		return LevelCritical, nil
	case "2", "error":
		return LevelError, nil
	case "3", "warning", "warn":
		return LevelWarning, nil
	case "4", "informational", "info":
		return LevelInformational, nil
	case "5", "verbose", "debug":
		return LevelVerbose, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Opcode marks the role of an event within an activity.
type Opcode uint8

const (
	OpcodeInfo                Opcode = 0
	OpcodeStart               Opcode = 1
	OpcodeStop                Opcode = 2
	OpcodeDataCollectionStart Opcode = 3
	OpcodeDataCollectionStop  Opcode = 4
	OpcodeExtension           Opcode = 5
	OpcodeReply               Opcode = 6
	OpcodeResume              Opcode = 7
	OpcodeSuspend             Opcode = 8
	OpcodeSend                Opcode = 9
	OpcodeReceive             Opcode = 240
)

// String returns the manifest name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeInfo:
		return "Info"
	case OpcodeStart:
		return "Start"
	case OpcodeStop:
		return "Stop"
	case OpcodeDataCollectionStart:
		return "DataCollectionStart"
	case OpcodeDataCollectionStop:
		return "DataCollectionStop"
	case OpcodeExtension:
		return "Extension"
	case OpcodeReply:
		return "Reply"
	case OpcodeResume:
		return "Resume"
	case OpcodeSuspend:
		return "Suspend"
	case OpcodeSend:
		return "Send"
	case OpcodeReceive:
		return "Receive"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// IsTransfer reports whether events with this opcode hand work to a
// related activity.
func (o Opcode) IsTransfer() bool {
	return o == OpcodeSend || o == OpcodeReceive
}

// Keywords is a 64-bit category mask. The top session range is reserved.
type Keywords uint64

// KeywordsNone matches every keyword when used as a filter.
const KeywordsNone Keywords = 0

// Descriptor is the immutable metadata attached to every emission of an event.
type Descriptor struct {
	id       uint32
	version  uint8
	channel  uint8
	level    Level
	opcode   Opcode
	task     uint32
	keywords Keywords
}

// NewDescriptor builds a descriptor.
func NewDescriptor(id uint32, version uint8, level Level, opcode Opcode, task uint32, keywords Keywords) Descriptor {
	return Descriptor{
		id:       id,
		version:  version,
		level:    level,
		opcode:   opcode,
		task:     task,
		keywords: keywords,
	}
}

func (d Descriptor) ID() uint32         { return d.id }
func (d Descriptor) Version() uint8     { return d.version }
func (d Descriptor) Channel() uint8     { return d.channel }
func (d Descriptor) Level() Level       { return d.level }
func (d Descriptor) Opcode() Opcode     { return d.opcode }
func (d Descriptor) Task() uint32       { return d.task }
func (d Descriptor) Keywords() Keywords { return d.keywords }

// WithKeywords returns a copy of d carrying kw.
func (d Descriptor) WithKeywords(kw Keywords) Descriptor {
	d.keywords = kw
	return d
}

// String formats the descriptor for logs.
func (d Descriptor) String() string {
	return fmt.Sprintf("event %d v%d level=%s opcode=%s task=%d keywords=0x%x",
		d.id, d.version, d.level, d.opcode, d.task, uint64(d.keywords))
}
