package keybot

import "time"

const (
	DeploymentPrimary = "PRIMARY"
	DeploymentActive  = "ACTIVE"

	TopStatusActive   = "ACTIVE"
	TopStatusDraining = "DRAINING"
	TopStatusInactive = "INACTIVE"
)

type Deployment struct {
	ID        string
	Status    string
	CreatedAt *time.Time
}

// RawStatus is the infrastructure view of a managed compute service
type RawStatus struct {
	TopStatus    string
	PendingCount int64
	RunningCount int64
	Deployments  []Deployment
}

type StatusUpdate struct {
	Operation  Operation
	Text       string
	LastDeploy *time.Time
}

// Reconcile maps raw infrastructure status into the lifecycle state.
// Checks run from the highest precedence down: capacity, primary deployment,
// active deployment, then the top level status. A service showing a PRIMARY
// deployment with no running task is still ALLOCATING.
func Reconcile(raw RawStatus) StatusUpdate {
	if raw.RunningCount == 0 || raw.PendingCount > 0 {
		return StatusUpdate{Operation: OperationAllocating, Text: StatusAllocating}
	}

	if primary, ok := raw.deployment(DeploymentPrimary); ok {
		return StatusUpdate{Operation: OperationRunning, Text: StatusRunning, LastDeploy: primary.CreatedAt}
	}

	if _, ok := raw.deployment(DeploymentActive); ok {
		return StatusUpdate{Operation: OperationDeploying, Text: StatusRedeploying}
	}

	switch raw.TopStatus {
	case TopStatusDraining:
		return StatusUpdate{Operation: OperationShuttingDown, Text: StatusShuttingDown}
	case TopStatusInactive:
		return StatusUpdate{Operation: OperationIdle, Text: StatusNotDeployed}
	}
	return StatusUpdate{Operation: OperationDeploying, Text: StatusDeployQueued}
}

func (r RawStatus) deployment(status string) (Deployment, bool) {
	for _, d := range r.Deployments {
		if d.Status == status {
			return d, true
		}
	}
	return Deployment{}, false
}
