// Package types holds the data model shared by every Fleet component:
// cluster membership records, service definitions and their lifecycle
// snapshots, and the channel-message envelope used by the bus.
package types

import (
	"fmt"
	"time"
)

// NodeIdentity uniquely names a process participating in the cluster.
// Immutable for the lifetime of a running node.
type NodeIdentity struct {
	UniqueID        string   `json:"uniqueId"`
	ListenAddresses []string `json:"listenAddresses"`
}

func (n NodeIdentity) String() string {
	return n.UniqueID
}

// IPAlias maps a configured hostname/alias to the address peers should
// actually dial, used when a node is reachable from different names
// depending on which side initiates.
type IPAlias struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ClusterConfig is the mutable, disk-persisted configuration for a
// cluster. Changes are written atomically (temp file + rename, see
// pkg/config) and re-read on "config reload".
type ClusterConfig struct {
	ClusterID    string         `json:"clusterId"`
	LocalNode    NodeIdentity   `json:"localNode"`
	RemoteNodes  []NodeIdentity `json:"remoteNodes"`
	IPWhitelist  []string       `json:"ipWhitelist"`
	IPAliases    []IPAlias      `json:"ipAliases"`
	MaxMemoryMiB int            `json:"maxMemoryMiB"`
	JavaCommand  string         `json:"javaCommand"`
}

// NodeServerState is the connection lifecycle of a peer as observed by
// the local node.
type NodeServerState string

const (
	NodeUnavailable NodeServerState = "UNAVAILABLE"
	NodeConnected   NodeServerState = "CONNECTED"
	NodeSyncing     NodeServerState = "SYNCING"
	NodeReady       NodeServerState = "READY"
	NodeDisconnected NodeServerState = "DISCONNECTED"
)

// NodeServer is the local bookkeeping record for one cluster peer
// (or the local node itself, which is always modeled the same way so
// placement code can treat it uniformly).
type NodeServer struct {
	Identity         NodeIdentity
	State            NodeServerState
	LastStateChangeAt time.Time
	Head             bool
	Drain            bool
}

// Environment groups services/tasks for deployment targeting (e.g.
// "production", "staging"); an arbitrary operator-defined label with
// first-class support in Target matching.
type Environment string

// ServiceID globally and uniquely identifies one running service
// instance across the whole cluster.
type ServiceID struct {
	UniqueID     string      `json:"uniqueId"`
	TaskName     string      `json:"taskName"`
	NameSuffix   int         `json:"nameSuffix"`
	NodeUniqueID string      `json:"nodeUniqueId"`
	Environment  Environment `json:"environment"`
}

// Name is the display name of a service: "<taskName>-<nameSuffix>".
func (s ServiceID) Name() string {
	return fmt.Sprintf("%s-%d", s.TaskName, s.NameSuffix)
}

// ProcessConfig captures the knobs needed to launch a service's child
// process/container: memory budget, extra JVM-style options, and the
// plain argument vector appended after them.
type ProcessConfig struct {
	MaxMemoryMiB int      `json:"maxMemoryMiB"`
	JVMOptions   []string `json:"jvmOptions"`
	Args         []string `json:"args"`
}

// ServiceTemplate names a chunk of pre-built files to materialize into
// a service's working directory before start (§4.7 staging, phase 1).
type ServiceTemplate struct {
	Prefix  string `json:"prefix"` // named template storage ("local", "s3", ...)
	Name    string `json:"name"`
	Path    string `json:"path"`
}

// ServiceRemoteInclusion is a URL fetched into the working directory
// before start (§4.7 staging, phase 2).
type ServiceRemoteInclusion struct {
	URL  string `json:"url"`
	Dest string `json:"dest"`
}

// ServiceDeployment selects files out of the working directory by
// glob include/exclude and pushes them back to a named template
// storage on stop (§4.7 staging, phase 3 / Deployment).
type ServiceDeployment struct {
	Template      ServiceTemplate `json:"template"`
	Includes      []string        `json:"includes"`
	Excludes      []string        `json:"excludes"`
	CaseSensitive bool            `json:"caseSensitive"`
}

// ServiceConfiguration is the immutable template a service instance is
// built from.
type ServiceConfiguration struct {
	TaskName      string                   `json:"taskName"`
	TaskID        int                      `json:"taskId,omitempty"` // preferred nameSuffix, 0 = unset
	Environment   Environment              `json:"environment"`
	Groups        []string                 `json:"groups"`
	Templates     []ServiceTemplate        `json:"templates"`
	Inclusions    []ServiceRemoteInclusion `json:"inclusions"`
	Deployments   []ServiceDeployment      `json:"deployments"`
	ProcessConfig ProcessConfig            `json:"processConfig"`
	PortHints     []int                    `json:"portHints"`
	Node          string                   `json:"node,omitempty"` // pinned placement target, empty = let the scheduler pick
	Properties    map[string]string        `json:"properties"`
}

// ServiceLifeCycle is the state a ServiceInfoSnapshot is currently in.
// Transitions are constrained to the order documented in §4.7.
type ServiceLifeCycle string

const (
	LifeCyclePrepared ServiceLifeCycle = "PREPARED"
	LifeCycleStarting ServiceLifeCycle = "STARTING"
	LifeCycleRunning  ServiceLifeCycle = "RUNNING"
	LifeCycleStopped  ServiceLifeCycle = "STOPPED"
	LifeCycleDeleted  ServiceLifeCycle = "DELETED"
)

// lifeCycleOrder gives each state's position in the allowed sequence.
// CanTransition does not consult it; it checks explicit edges.
var lifeCycleOrder = map[ServiceLifeCycle]int{
	LifeCyclePrepared: 0,
	LifeCycleStarting: 1,
	LifeCycleRunning:  2,
	LifeCycleStopped:  3,
	LifeCycleDeleted:  4,
}

// CanTransition reports whether moving from "from" to "to" is a legal
// lifecycle edge per §4.7's diagram (PREPARED->STARTING,
// STARTING->RUNNING, STARTING->STOPPED on launch failure,
// RUNNING->STOPPED, STOPPED->STARTING via restart, STOPPED->DELETED).
func CanTransition(from, to ServiceLifeCycle) bool {
	switch {
	case from == LifeCyclePrepared && to == LifeCycleStarting:
		return true
	case from == LifeCycleStarting && (to == LifeCycleRunning || to == LifeCycleStopped):
		return true
	case from == LifeCycleRunning && to == LifeCycleStopped:
		return true
	case from == LifeCycleStopped && (to == LifeCycleStarting || to == LifeCycleDeleted):
		return true
	default:
		return false
	}
}

// ProcessSnapshot is a point-in-time view of the launched process/
// container, as reported by the runner.
type ProcessSnapshot struct {
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
}

// ServiceInfoSnapshot is the replicated, last-write-wins record of one
// service instance.
type ServiceInfoSnapshot struct {
	ServiceID       ServiceID            `json:"serviceId"`
	Address         string               `json:"address"`
	ProcessSnapshot ProcessSnapshot      `json:"processSnapshot"`
	Configuration   ServiceConfiguration `json:"configuration"`
	CreationTimeMs  int64                `json:"creationTimeMs"`
	ConnectedTimeMs int64                `json:"connectedTimeMs,omitempty"`
	LifeCycle       ServiceLifeCycle     `json:"lifeCycle"`
	Properties      map[string]string    `json:"properties"`
}

// ServiceTask is a named, disk-persisted declarative definition a
// service is built from (kept identical on every node by C7).
type ServiceTask struct {
	Name          string                   `json:"name"`
	Environment   Environment              `json:"environment"`
	Groups        []string                 `json:"groups"`
	Templates     []ServiceTemplate        `json:"templates"`
	Inclusions    []ServiceRemoteInclusion `json:"inclusions"`
	Deployments   []ServiceDeployment      `json:"deployments"`
	ProcessConfig ProcessConfig            `json:"processConfig"`
	PortHints     []int                    `json:"portHints"`
	MinServices   int                      `json:"minServiceCount"`
}

// GroupConfiguration is a named tag attached to tasks/services for
// bulk targeting; carries its own template/inclusion/deployment set
// applied to every task/service that references it.
type GroupConfiguration struct {
	Name        string                   `json:"name"`
	Templates   []ServiceTemplate        `json:"templates"`
	Inclusions  []ServiceRemoteInclusion `json:"inclusions"`
	Deployments []ServiceDeployment      `json:"deployments"`
}

// TargetType selects how a ChannelMessage's recipients are resolved.
type TargetType string

const (
	TargetAll         TargetType = "ALL"
	TargetAllNodes    TargetType = "ALL_NODES"
	TargetAllServices TargetType = "ALL_SERVICES"
	TargetNode        TargetType = "NODE"
	TargetService     TargetType = "SERVICE"
	TargetTask        TargetType = "TASK"
	TargetGroup       TargetType = "GROUP"
	TargetEnvironment TargetType = "ENVIRONMENT"
)

// Target names one routing destination for a ChannelMessage.
type Target struct {
	Type TargetType `json:"type"`
	Name string     `json:"name,omitempty"` // node/service/task/group name, or Environment value
}

// ChannelMessage is the payload routed by the bus (C5) over transport
// channel 2 (see pkg/wire).
type ChannelMessage struct {
	Sender        NodeIdentity `json:"sender"`
	Targets       []Target     `json:"targets"`
	Channel       string       `json:"channel"`
	Message       string       `json:"message"`
	Content       []byte       `json:"content,omitempty"`
	SendSync      bool         `json:"sendSync"`
	QueryUniqueID string       `json:"queryUniqueId,omitempty"`
}

// JoinToken authorizes a node to complete the AUTH_NODE handshake and
// be admitted to the whitelist; issued by the head (§3 Supplemented
// features).
type JoinToken struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}
