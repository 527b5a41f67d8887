package wire

import (
	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/object"
)

// Class IDs for the serializable message types. These are protocol
// constants shared by every component; changing one is a wire break.
var (
	ClassControl                = uuid.MustParse("8c2e1f64-5b0a-4a8e-9d7c-3f21a6b4c0d1")
	ClassExecutorHeartbeat      = uuid.MustParse("e9b1a0c2-7d43-4f6e-8a95-12c3d4e5f607")
	ClassPing                   = uuid.MustParse("f1d2c3b4-a596-4877-b869-0a1b2c3d4e5f")
	ClassPong                   = uuid.MustParse("a1b2c3d4-e5f6-4789-8abc-def012345678")
	ClassSessionStatus          = uuid.MustParse("5d4c3b2a-1908-4f7e-9d6c-5b4a39281706")
	ClassEngineReady            = uuid.MustParse("7e6f5a4b-3c2d-4e1f-8a9b-0c1d2e3f4a5b")
	ClassClientConnectionStatus = uuid.MustParse("2f3e4d5c-6b7a-4899-9aab-bccddeeff001")
	ClassComputationStatus      = uuid.MustParse("9a8b7c6d-5e4f-4321-8765-43210fedcba9")
	ClassRouterInfo             = uuid.MustParse("3c4d5e6f-7a8b-4c9d-8e0f-1a2b3c4d5e6f")
	ClassSessionRoutingData     = uuid.MustParse("6b5a4938-2716-405e-9f8e-7d6c5b4a3928")
)

var classNames = map[uuid.UUID]string{
	ClassControl:                "Control",
	ClassExecutorHeartbeat:      "ExecutorHeartbeat",
	ClassPing:                   "Ping",
	ClassPong:                   "Pong",
	ClassSessionStatus:          "SessionStatus",
	ClassEngineReady:            "EngineReady",
	ClassClientConnectionStatus: "ClientConnectionStatus",
	ClassComputationStatus:      "ComputationStatus",
	ClassRouterInfo:             "RouterInfo",
	ClassSessionRoutingData:     "SessionRoutingData",
}

// ClassName returns a readable name for a class ID, for logging.
func ClassName(classID uuid.UUID) string {
	if name, ok := classNames[classID]; ok {
		return name
	}
	return classID.String()
}

// Control commands understood by computations.
const (
	ControlGo     = "go"
	ControlUpdate = "update"
	ControlStop   = "stop"
)

// Control carries a command to a computation's executor.
type Control struct {
	Command string        `json:"command"`
	Data    object.Object `json:"data,omitempty"`
}

// ExecutorHeartbeat is the periodic stats report from a computation's
// executor. Rates are computed executor-side over 5 and 60 second windows.
type ExecutorHeartbeat struct {
	TransmitSecs      int64 `json:"transmitSecs"`
	TransmitMicroSecs int64 `json:"transmitMicroSecs"`

	MemoryUsageBytes  uint64  `json:"memoryUsageBytesCurrent"`
	CPUUsage5Secs     float64 `json:"cpuUsage5SecsCurrent"`
	CPUUsage60Secs    float64 `json:"cpuUsage60SecsCurrent"`
	CPUUsageTotalSecs float64 `json:"cpuUsageTotalSecs"`
	Hyperthreaded     bool    `json:"hyperthreaded"`

	SentMessages5Sec      int `json:"sentMessages5Sec"`
	SentMessages60Sec     int `json:"sentMessages60Sec"`
	SentMessagesTotal     int `json:"sentMessagesTotal"`
	ReceivedMessages5Sec  int `json:"receivedMessages5Sec"`
	ReceivedMessages60Sec int `json:"receivedMessages60Sec"`
	ReceivedMessagesTotal int `json:"receivedMessagesTotal"`
}

// Ping requests a status report from whatever it reaches.
type Ping struct {
	RequestType string `json:"requestType,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Source  string        `json:"source,omitempty"`
	Payload object.Object `json:"payload,omitempty"`
}

// SessionStatus delivers a session status document to the client,
// typically as the final message before a disconnect.
type SessionStatus struct {
	Status string `json:"status"`
}

// EngineReady tells the client every computation in the session is ready.
type EngineReady struct{}

// Client connection status reasons.
const (
	ReasonConnected        = "connected"
	ReasonClientShutdown   = "clientShutdown"
	ReasonClientDropped    = "clientDroppedConnection"
	ReasonClientTimeout    = "clientConnectionTimeout"
	ReasonPrematureMessage = "prematureMessage"
)

// ClientConnectionStatus reports a client connect or disconnect between
// the router and the node service. Service to router it is a kick request;
// router to service it is a notification.
type ClientConnectionStatus struct {
	SessionID     uuid.UUID `json:"sessionId"`
	Reason        string    `json:"reason"`
	SessionStatus string    `json:"sessionStatus,omitempty"`
}

// ComputationStatus reports a computation lifecycle transition, currently
// only that its executor connected and the computation is ready.
type ComputationStatus struct {
	SessionID     uuid.UUID `json:"sessionId"`
	ComputationID uuid.UUID `json:"computationId"`
	Status        string    `json:"status"`
}

// RouterInfo tells the node service which TCP port the router bound.
type RouterInfo struct {
	MessagePort int `json:"messagePort"`
}

// RoutingAction is the verb of a SessionRoutingData message.
type RoutingAction string

// Routing actions.
const (
	RoutingInitialize  RoutingAction = "initialize"
	RoutingUpdate      RoutingAction = "update"
	RoutingDelete      RoutingAction = "delete"
	RoutingAcknowledge RoutingAction = "acknowledge"
)

// SessionRoutingData installs, updates or removes a session's routing
// table in the router. Initialize is acknowledged back to the sender.
type SessionRoutingData struct {
	Action      RoutingAction `json:"action"`
	SessionID   uuid.UUID     `json:"sessionId"`
	RoutingData string        `json:"routingData,omitempty"`
}
