package domain

import "time"

type Role string

const (
	RoleCrewmate Role = "crewmate"
	RoleImpostor Role = "impostor"
)

type GameStatus string

const (
	StatusWaiting  GameStatus = "waiting"
	StatusActive   GameStatus = "active"
	StatusFinished GameStatus = "finished"
)

type Winner string

const (
	WinnerNone      Winner = ""
	WinnerCrewmates Winner = "crewmates"
	WinnerImpostor  Winner = "impostor"
)

type ActionKind string

const (
	ActionSpeak       ActionKind = "speak"
	ActionVote        ActionKind = "vote"
	ActionElimination ActionKind = "elimination"
)

type MeetingTrigger string

const (
	TriggerDeadBody        MeetingTrigger = "dead_body"
	TriggerEmergencyButton MeetingTrigger = "emergency_button"
)

type Agent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Role  Role   `json:"role" enum:"crewmate,impostor"`
	Alive bool   `json:"alive"`
}

func (a Agent) IsImpostor() bool { return a.Role == RoleImpostor }

// PublicAction is one entry of the shared, append-only public record.
type PublicAction struct {
	Seq      int        `json:"seq"`
	Step     int        `json:"step"`
	Kind     ActionKind `json:"kind" enum:"speak,vote,elimination"`
	AgentID  string     `json:"agent_id"`
	TargetID string     `json:"target_id,omitempty"`
	Content  string     `json:"content"`
}

// Thought is a private "think" record visible only to its owner.
type Thought struct {
	Step    int    `json:"step"`
	Content string `json:"content"`
}

type MemoryEntry struct {
	Step         int               `json:"step"`
	Location     string            `json:"location,omitempty"`
	Action       string            `json:"action,omitempty"`
	Observations []string          `json:"observations,omitempty"`
	Suspicions   map[string]string `json:"suspicions,omitempty"`
	Alliances    []string          `json:"alliances,omitempty"`
	Strategy     string            `json:"strategy_notes,omitempty"`
	Emotion      string            `json:"emotion_state,omitempty"`
}

func (m MemoryEntry) Clone() MemoryEntry {
	out := m
	out.Observations = append([]string(nil), m.Observations...)
	out.Alliances = append([]string(nil), m.Alliances...)
	if m.Suspicions != nil {
		out.Suspicions = make(map[string]string, len(m.Suspicions))
		for k, v := range m.Suspicions {
			out.Suspicions[k] = v
		}
	}
	return out
}

// Turn is one agent's output for one step.
type Turn struct {
	AgentID      string       `json:"agent_id"`
	Think        string       `json:"think"`
	Speak        string       `json:"speak,omitempty"`
	Vote         string       `json:"vote,omitempty"`
	MemoryUpdate *MemoryEntry `json:"memory_update,omitempty"`
	Fallback     string       `json:"fallback,omitempty"`
}

type Meeting struct {
	Trigger    MeetingTrigger `json:"trigger" enum:"dead_body,emergency_button"`
	ReporterID string         `json:"reporter_id"`
	Reason     string         `json:"reason"`
}

type GameState struct {
	ID              string               `json:"id"`
	Status          GameStatus           `json:"status" enum:"waiting,active,finished"`
	Step            int                  `json:"step"`
	MaxSteps        int                  `json:"max_steps"`
	Agents          []Agent              `json:"agents"`
	PublicHistory   []PublicAction       `json:"public_history"`
	PrivateThoughts map[string][]Thought `json:"private_thoughts"`
	Votes           map[string]int       `json:"votes"`
	Ballots         map[string]string    `json:"ballots,omitempty"`
	Meeting         Meeting              `json:"meeting"`
	Winner          Winner               `json:"winner,omitempty"`
	CreatedAt       time.Time            `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time            `json:"updated_at" format:"date-time"`
}

type GameSummary struct {
	ID         string     `json:"id"`
	Status     GameStatus `json:"status"`
	Step       int        `json:"step"`
	MaxSteps   int        `json:"max_steps"`
	AliveCount int        `json:"alive_count"`
	Winner     Winner     `json:"winner,omitempty"`
	CreatedAt  time.Time  `json:"created_at" format:"date-time"`
}

func (g *GameState) Finished() bool { return g.Status == StatusFinished }

func (g *GameState) AliveAgents() []Agent {
	var res []Agent
	for _, a := range g.Agents {
		if a.Alive {
			res = append(res, a)
		}
	}
	return res
}

func (g *GameState) AliveCount() int {
	n := 0
	for _, a := range g.Agents {
		if a.Alive {
			n++
		}
	}
	return n
}

// AgentIndex returns the roster position of id, or -1.
func (g *GameState) AgentIndex(id string) int {
	for i, a := range g.Agents {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (g *GameState) Agent(id string) (Agent, bool) {
	if i := g.AgentIndex(id); i >= 0 {
		return g.Agents[i], true
	}
	return Agent{}, false
}

func (g *GameState) Impostor() (Agent, bool) {
	for _, a := range g.Agents {
		if a.IsImpostor() {
			return a, true
		}
	}
	return Agent{}, false
}

func (g *GameState) Summary() GameSummary {
	return GameSummary{
		ID:         g.ID,
		Status:     g.Status,
		Step:       g.Step,
		MaxSteps:   g.MaxSteps,
		AliveCount: g.AliveCount(),
		Winner:     g.Winner,
		CreatedAt:  g.CreatedAt,
	}
}

// Clone returns a deep copy; committed states are never mutated in place.
func (g *GameState) Clone() *GameState {
	out := *g
	out.Agents = append([]Agent(nil), g.Agents...)
	out.PublicHistory = append([]PublicAction(nil), g.PublicHistory...)
	out.PrivateThoughts = make(map[string][]Thought, len(g.PrivateThoughts))
	for id, ts := range g.PrivateThoughts {
		out.PrivateThoughts[id] = append([]Thought(nil), ts...)
	}
	out.Votes = make(map[string]int, len(g.Votes))
	for k, v := range g.Votes {
		out.Votes[k] = v
	}
	out.Ballots = make(map[string]string, len(g.Ballots))
	for k, v := range g.Ballots {
		out.Ballots[k] = v
	}
	return &out
}

// Event is a journal entry persisted alongside committed steps.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GameID     string `json:"game_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Step       int    `json:"step"`
	Payload    string `json:"payload_json"`
}

// APIKey is a stored spectator credential; only the hash of the key is kept.
type APIKey struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
