package keybot

import (
	"strings"
	"time"

	"github.com/odpf/kleidi/internal/errors"
)

const (
	EntityService     = "service"
	EntityCredentials = "credentials"
	EntityResource    = "resource"
	EntityOwner       = "owner"

	maxServiceNameLength = 64
)

type Operation string

const (
	OperationCreating     Operation = "CREATING"
	OperationIdle         Operation = "IDLE"
	OperationAllocating   Operation = "ALLOCATING"
	OperationDeploying    Operation = "DEPLOYING"
	OperationRunning      Operation = "RUNNING"
	OperationShuttingDown Operation = "SHUTTING_DOWN"
)

func (o Operation) String() string {
	return string(o)
}

// IsRest reports whether the operation is one the service can stay in
// without any work being in flight
func (o Operation) IsRest() bool {
	return o == OperationIdle || o == OperationRunning
}

func OperationFrom(s string) (Operation, error) {
	switch op := Operation(strings.ToUpper(s)); op {
	case OperationCreating, OperationIdle, OperationAllocating,
		OperationDeploying, OperationRunning, OperationShuttingDown:
		return op, nil
	}
	return "", errors.InvalidArgument(EntityService, "unknown operation "+s)
}

type CloudProvider string

const (
	ProviderAWS CloudProvider = "AWS"
)

func (c CloudProvider) String() string {
	return string(c)
}

func CloudProviderFrom(s string) (CloudProvider, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.InvalidArgument(EntityService, "cloud provider is empty")
	}
	return CloudProvider(strings.ToUpper(s)), nil
}

const (
	StatusCreating       = "Creating new service stack"
	StatusCreated        = "Successfully created cloud service. Add credentials and deploy!"
	StatusCreateFailed   = "Failed to create cloud service. Please re-create this service."
	StatusDeployStarted  = "Deploying to cloud"
	StatusDeployQueued   = "Deploying new patch to instances"
	StatusDeployFailed   = "Failed to deploy. Please attempt deploy again later"
	StatusAllocating     = "Allocating servers for deployment."
	StatusRunning        = "Service is running and stable"
	StatusRedeploying    = "Service re-deploying"
	StatusShuttingDown   = "Service is shutting down."
	StatusNotDeployed    = "No service deployed."
	StatusDeployUnqueued = "Unable to queue deployment. Please attempt deploy again later"
)

// Service is a deployed workload owned by a single account
type Service struct {
	ID      string
	Name    string
	OwnerID string

	CloudProvider     CloudProvider
	ClusterResourceID *string
	CloudResourceID   *string
	CloudAccessKey    *string

	CurrentOperation       Operation
	CurrentOperationStatus string
	CurrentVersion         *string
	LastDeploy             *time.Time

	// Revision is bumped on every persisted update, stale writes are rejected
	Revision int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewService(id, name, ownerID string, provider CloudProvider) (*Service, error) {
	if id == "" {
		return nil, errors.InvalidArgument(EntityService, "service id is empty")
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.InvalidArgument(EntityService, "service name is empty")
	}
	if len(name) > maxServiceNameLength {
		return nil, errors.InvalidArgument(EntityService, "service name is too long")
	}

	if ownerID == "" {
		return nil, errors.InvalidArgument(EntityService, "owner is empty")
	}

	return &Service{
		ID:                     id,
		Name:                   name,
		OwnerID:                ownerID,
		CloudProvider:          provider,
		CurrentOperation:       OperationCreating,
		CurrentOperationStatus: StatusCreating,
	}, nil
}

func (s *Service) IsOwnedBy(ownerID string) bool {
	return ownerID != "" && s.OwnerID == ownerID
}

// HasCluster reports whether the backing cluster was created at least once
func (s *Service) HasCluster() bool {
	return s.ClusterResourceID != nil && *s.ClusterResourceID != ""
}

// IsConverged reports whether a managed compute service exists for the service
func (s *Service) IsConverged() bool {
	return s.CloudResourceID != nil && *s.CloudResourceID != ""
}

func (s *Service) SetOperation(op Operation, status string) {
	s.CurrentOperation = op
	s.CurrentOperationStatus = status
}

// Apply copies a reconciled status onto the service
func (s *Service) Apply(update StatusUpdate) {
	s.SetOperation(update.Operation, update.Text)
	s.LastDeploy = update.LastDeploy
}

// Owner is the account record a service belongs to, the allowance is
// computed by billing and only read here
type Owner struct {
	ID               string
	Activated        bool
	ServiceAllowance int
}

// CanCreate reports whether another service fits in the owner's allowance
func (o *Owner) CanCreate(currentServices int) bool {
	return o.ServiceAllowance > 0 && currentServices < o.ServiceAllowance
}

func StringPtr(s string) *string {
	return &s
}

func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
