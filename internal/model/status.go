package model

import "fmt"

// Status is the position of a sentence in the narration pipeline. Values are
// strictly ordered; a sentence only moves forward unless it is restarted.
type Status int

const (
	StatusWaitingForCharacter Status = iota
	StatusDeterminingCharacter
	StatusWaitingForStress
	StatusSettingStress
	StatusWaitingForTTS
	StatusGeneratingTTS
	StatusReady
)

var statusNames = [...]string{
	"WAITING_FOR_CHARACTER",
	"DETERMINING_CHARACTER",
	"WAITING_FOR_STRESS",
	"SETTING_STRESS",
	"WAITING_FOR_TTS",
	"GENERATING_TTS",
	"READY",
}

func (s Status) String() string {
	if s < StatusWaitingForCharacter || s > StatusReady {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus converts the persisted name back into a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sentence status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Claimed reports whether a worker holds the sentence with an external call outstanding.
func (s Status) Claimed() bool {
	return s == StatusDeterminingCharacter || s == StatusSettingStress || s == StatusGeneratingTTS
}

// Waiting reports whether the sentence is queued but not yet claimed.
func (s Status) Waiting() bool {
	return s == StatusWaitingForCharacter || s == StatusWaitingForStress || s == StatusWaitingForTTS
}

// Stage returns the pipeline stage responsible for the status. READY has none.
func (s Status) Stage() Stage {
	switch s {
	case StatusWaitingForCharacter, StatusDeterminingCharacter:
		return StageAttribution
	case StatusWaitingForStress, StatusSettingStress:
		return StageStress
	case StatusWaitingForTTS, StatusGeneratingTTS:
		return StageSynthesis
	default:
		return StageNone
	}
}

// CanTransition enforces the forward-only edges a stage worker may apply.
// Restart resets are not transitions; see RestartStatus.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusWaitingForCharacter:
		return to == StatusDeterminingCharacter
	case StatusDeterminingCharacter:
		return to == StatusWaitingForStress
	case StatusWaitingForStress:
		return to == StatusSettingStress
	case StatusSettingStress:
		return to == StatusWaitingForTTS
	case StatusWaitingForTTS:
		return to == StatusGeneratingTTS
	case StatusGeneratingTTS:
		return to == StatusReady
	default:
		return false
	}
}

// RestartStatus is the status a restarted sentence re-enters with: the waiting
// status of its current stage. READY sentences are not restarted.
func RestartStatus(s Status) (Status, bool) {
	switch s.Stage() {
	case StageAttribution:
		return StatusWaitingForCharacter, true
	case StageStress:
		return StatusWaitingForStress, true
	case StageSynthesis:
		return StatusWaitingForTTS, true
	default:
		return s, false
	}
}

// Stage identifies one of the three pipeline phases.
type Stage int

const (
	StageNone Stage = iota
	StageAttribution
	StageStress
	StageSynthesis
)

func (s Stage) String() string {
	switch s {
	case StageAttribution:
		return "attribution"
	case StageStress:
		return "stress"
	case StageSynthesis:
		return "synthesis"
	default:
		return "none"
	}
}

// Waiting returns the queued status for the stage.
func (s Stage) Waiting() Status {
	switch s {
	case StageStress:
		return StatusWaitingForStress
	case StageSynthesis:
		return StatusWaitingForTTS
	default:
		return StatusWaitingForCharacter
	}
}

// Claimed returns the in-flight status for the stage.
func (s Stage) Claimed() Status {
	switch s {
	case StageStress:
		return StatusSettingStress
	case StageSynthesis:
		return StatusGeneratingTTS
	default:
		return StatusDeterminingCharacter
	}
}
