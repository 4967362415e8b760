package agent

import (
	"strings"
	"time"
)

const (
	CardVersion        = "0.1.0"
	IntroBundleVersion = "1.0"

	DiscoveryTopic    = "/a2a/1/discovery/proto"
	directTopicPrefix = "/a2a/1/task/"
	topicSuffix       = "/proto"
)

// DirectTopic returns the per-peer topic tasks and results addressed to publicID travel on.
func DirectTopic(publicID string) string {
	return directTopicPrefix + publicID + topicSuffix
}

const (
	EnvelopeTypeCard    = "agent_card"
	EnvelopeTypeTask    = "task"
	EnvelopeTypeResult  = "task_result"
	EnvelopeTypeAck     = "ack"
	EnvelopeTypeMessage = "message"
)

const (
	RoleUser  = "user"
	RoleAgent = "agent"

	PartTypeText = "text"
)

type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input_required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCancelled     TaskState = "cancelled"
)

// IntroBundle advertises the X25519 key peers seal to when the x25519 scheme is in use.
type IntroBundle struct {
	AgentPubKey string `json:"agent_pubkey"`
	X25519Key   string `json:"x25519_key,omitempty"`
	Version     string `json:"version"`
}

type AgentCard struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Version      string       `json:"version"`
	Capabilities []string     `json:"capabilities"`
	PublicKey    string       `json:"public_key"`
	Endpoint     string       `json:"endpoint"`
	IntroBundle  *IntroBundle `json:"intro_bundle,omitempty"`
	Signature    string       `json:"signature,omitempty"`
}

type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartTypeText, Text: text}}}
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Type == PartTypeText || p.Type == "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Task is the wire body of task and task_result envelopes.
type Task struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	State   TaskState `json:"state"`
	Message Message   `json:"message"`
	Result  *Message  `json:"result,omitempty"`
}

// Respond builds the completed task sent back to the requester.
func (t Task) Respond(text string) Task {
	result := TextMessage(RoleAgent, text)
	return Task{
		ID:      t.ID,
		From:    t.To,
		To:      t.From,
		State:   TaskStateCompleted,
		Message: t.Message,
		Result:  &result,
	}
}

type AckBody struct {
	TaskID string `json:"task_id"`
}

// InboxStatus tracks an inbound task through the inbox.
type InboxStatus string

const (
	InboxPending   InboxStatus = "pending"
	InboxInFlight  InboxStatus = "in_flight"
	InboxResponded InboxStatus = "responded"
)

// InboxTask is an inbound task as returned by PollTasks.
type InboxTask struct {
	ID         string    `json:"id"`
	Requester  string    `json:"requester"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`

	request   Task
	replyKeys PeerKeys
	seq       uint64
}

// OutboundTask is a task this node sent, tracked until its result arrives.
type OutboundTask struct {
	ID          string    `json:"id"`
	Peer        string    `json:"peer"`
	Text        string    `json:"text"`
	State       TaskState `json:"state"`
	SentAt      time.Time `json:"sent_at"`
	AckedAt     time.Time `json:"acked_at,omitempty"`
	Result      string    `json:"result,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// DirectoryEntry is a discovered peer with its freshness at snapshot time.
type DirectoryEntry struct {
	Card     AgentCard `json:"card"`
	LastSeen time.Time `json:"last_seen"`
	Fresh    bool      `json:"fresh"`
}
