// Package protocol defines the messages exchanged between managers, the hub
// and workers.
package protocol

import (
	"wasp/internal/model"
)

// Kind tags a message variant on the wire.
type Kind string

const (
	KindHello        Kind = "hello"
	KindJobSubmit    Kind = "job_submit"
	KindJobCompleted Kind = "job_completed"
	KindJobFailed    Kind = "job_failed"
	KindWorkerReady  Kind = "worker_ready"
	KindSendFile     Kind = "send_file"
	KindRequestFile  Kind = "request_file"
	KindAdminCommand Kind = "admin"
	KindStatusReport Kind = "status"
)

// Message is implemented by every variant below. Consumers dispatch with a
// type switch.
type Message interface {
	Kind() Kind
}

// Role is the part a peer announces in its Hello.
type Role string

const (
	RoleWorker  Role = "worker"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleWorker, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Hello is the first frame every peer sends after connecting.
type Hello struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// ChromosomePayload is the wire view of a chromosome. Fitness is
// model.UnscoredFitness on submission.
type ChromosomePayload struct {
	Filename   string  `json:"filename,omitempty"`
	Genome     string  `json:"genome"`
	Fitness    float64 `json:"fitness"`
	Generation int     `json:"generation"`
	Info       string  `json:"info,omitempty"`
}

func NewChromosomePayload(c model.Chromosome) ChromosomePayload {
	p := ChromosomePayload{
		Genome:     c.Genome.String(),
		Fitness:    model.UnscoredFitness,
		Generation: c.Generation,
	}
	if c.Accuracy != nil {
		p.Fitness = *c.Accuracy
	}
	if len(c.Stats) > 0 {
		p.Info = model.FormatActivityInfo(c.Stats)
	}
	return p
}

func (p ChromosomePayload) ParseGenome() (model.Genome, error) {
	return model.ParseGenome(p.Genome)
}

func (p ChromosomePayload) ParseStats() (model.ActivityStats, error) {
	return model.ParseActivityInfo(p.Info)
}

// JobSubmit travels manager -> hub -> worker. ManagerID is the submitting
// peer's name and is filled in by the hub.
type JobSubmit struct {
	JobID      string            `json:"job_id"`
	ManagerID  string            `json:"manager_id"`
	RunID      string            `json:"run_id"`
	Chromosome ChromosomePayload `json:"chromosome"`
	DataFiles  []string          `json:"data_files"`
	// OrigFiles are ground-truth recordings the classifier reads.
	OrigFiles []string `json:"orig_files,omitempty"`
}

// JobCompleted travels worker -> hub -> manager.
type JobCompleted struct {
	JobID      string            `json:"job_id"`
	Chromosome ChromosomePayload `json:"chromosome"`
}

// JobFailed is sent by a worker when a job could not be evaluated. The hub
// forwards it to the manager with Permanent set once the job has used all of
// its attempts.
type JobFailed struct {
	JobID      string            `json:"job_id"`
	Reason     string            `json:"reason"`
	Permanent  bool              `json:"permanent,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Chromosome ChromosomePayload `json:"chromosome"`
}

type WorkerReady struct {
	Capacity int `json:"capacity"`
}

type SendFile struct {
	RunID    string `json:"run_id"`
	Filename string `json:"filename"`
	Payload  []byte `json:"payload"`
}

type RequestFile struct {
	RunID    string `json:"run_id"`
	Filename string `json:"filename"`
}

// AdminCommand is a plain-text control command.
type AdminCommand struct {
	Command string `json:"command"`
}

// StatusReport answers an info query.
type StatusReport struct {
	Text string `json:"text"`
}

func (Hello) Kind() Kind        { return KindHello }
func (JobSubmit) Kind() Kind    { return KindJobSubmit }
func (JobCompleted) Kind() Kind { return KindJobCompleted }
func (JobFailed) Kind() Kind    { return KindJobFailed }
func (WorkerReady) Kind() Kind  { return KindWorkerReady }
func (SendFile) Kind() Kind     { return KindSendFile }
func (RequestFile) Kind() Kind  { return KindRequestFile }
func (AdminCommand) Kind() Kind { return KindAdminCommand }
func (StatusReport) Kind() Kind { return KindStatusReport }
