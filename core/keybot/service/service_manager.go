package service

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/odpf/salt/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/ext/cloud"
	"github.com/odpf/kleidi/internal/errors"
)

const (
	MsgNotEnoughAllowance   = "Not enough allowance on current billing plan."
	MsgAccountNotActivated  = "Your account must be activated to create a service."
	MsgServiceCreated       = "Keybot service created successfully."
	MsgServiceNotFound      = "No service found"
	MsgNoAccess             = "You do not have access to this service"
	MsgCredentialsUpdated   = "Updated credentials successfully"
	MsgCredentialsMissing   = "Please add credentials to this service before deploying."
	MsgDeployQueued         = "Successfully queued deployment"
	MsgDeployUnavailable    = "Unable to deploy service. Please try again later."
	MsgStatusRefreshQueued  = "Successfully queued status update"
	MsgFileUploaded         = "File uploaded successfully"
	MsgFileUploadFailed     = "Error uploading file. Please try again later."
	MsgResourceDeleted      = "Resource successfully deleted"
	MsgResourceDeleteFailed = "Error deleting resource. Please try again later."
	MsgSomethingWentWrong   = "Something went wrong. Please try again later."

	VersionUnavailable = "Unavailable"

	failureWriteTimeout = 30 * time.Second
)

type ServiceRepository interface {
	Create(ctx context.Context, svc *keybot.Service) error
	Get(ctx context.Context, id string) (*keybot.Service, error)
	// Update fails with a conflict when svc.Revision is stale, on success
	// svc carries the new revision
	Update(ctx context.Context, svc *keybot.Service) error
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*keybot.Service, error)
}

type OwnerRepository interface {
	Get(ctx context.Context, id string) (*keybot.Owner, error)
}

type DriverRegistry interface {
	Get(provider keybot.CloudProvider) (cloud.Driver, error)
}

type ReleaseResolver interface {
	CurrentVersion(ctx context.Context) (string, error)
}

// ServiceManager sequences the lifecycle of keybot services: creation,
// credentials, deployment, status refresh and custom resources
type ServiceManager struct {
	l log.Logger

	services    ServiceRepository
	owners      OwnerRepository
	credentials *CredentialService
	resources   *ResourceService

	drivers    DriverRegistry
	releases   ReleaseResolver
	dispatcher *Dispatcher

	defaultProvider keybot.CloudProvider
}

func (m *ServiceManager) CreateService(ctx context.Context, ownerID, name string) (keybot.Response, error) {
	owner, err := m.owners.Get(ctx, ownerID)
	if err != nil {
		return m.failure(err, MsgSomethingWentWrong)
	}
	if !owner.Activated {
		return keybot.Failed(MsgAccountNotActivated), nil
	}

	svc, err := keybot.NewService(uuid.NewString(), name, owner.ID, m.defaultProvider)
	if err != nil {
		return m.failure(err, MsgSomethingWentWrong)
	}
	if _, err := m.drivers.Get(svc.CloudProvider); err != nil {
		return m.failure(err, MsgSomethingWentWrong)
	}

	// the allowance check and the insert run under the owner's lock
	err = m.dispatcher.Serialize(ownerLockKey(owner.ID), func() error {
		count, err := m.services.CountByOwner(ctx, owner.ID)
		if err != nil {
			return err
		}
		if !owner.CanCreate(count) {
			return errors.FailedPrecondition(keybot.EntityOwner, MsgNotEnoughAllowance)
		}
		return m.services.Create(ctx, svc)
	})
	if err != nil {
		if errors.IsErrorType(err, errors.ErrFailedPrecond) {
			return keybot.Failed(MsgNotEnoughAllowance), nil
		}
		return m.failure(err, MsgSomethingWentWrong)
	}

	task, err := m.dispatcher.Submit(keybot.TaskCreate, svc.ID, func(ctx context.Context) error {
		return m.createCluster(ctx, svc.ID)
	})
	if err != nil {
		m.l.Error("unable to queue service creation", "service_id", svc.ID, "error", err)
		m.rollback(ctx, svc.ID, keybot.StatusCreateFailed)
		return keybot.OK(svc.ID, MsgServiceCreated), nil
	}
	return keybot.OK(svc.ID, MsgServiceCreated).WithTask(task.ID), nil
}

func (m *ServiceManager) createCluster(ctx context.Context, serviceID string) error {
	ctx, span := otel.Tracer("keybot/service").Start(ctx, "CreateCluster")
	defer span.End()
	span.SetAttributes(attribute.String("service_id", serviceID))

	svc, err := m.services.Get(ctx, serviceID)
	if err != nil {
		return err
	}

	// a deploy can run first and create the cluster itself
	if !svc.HasCluster() {
		clusterID, err := m.newCluster(ctx, svc)
		if err != nil {
			svc.SetOperation(keybot.OperationIdle, keybot.StatusCreateFailed)
			return m.persistFailure(ctx, svc, err)
		}
		svc.ClusterResourceID = &clusterID
	}

	if svc.CurrentOperation == keybot.OperationCreating {
		svc.SetOperation(keybot.OperationIdle, keybot.StatusCreated)
	}
	return m.services.Update(ctx, svc)
}

func (m *ServiceManager) newCluster(ctx context.Context, svc *keybot.Service) (string, error) {
	driver, err := m.drivers.Get(svc.CloudProvider)
	if err != nil {
		return "", err
	}
	return driver.CreateCluster(ctx, svc.ID, svc.Name, svc.OwnerID)
}

func (m *ServiceManager) UpdateCredentials(ctx context.Context, actor, serviceID string, in *keybot.Credentials) (keybot.Response, error) {
	if _, err := m.ownedService(ctx, actor, serviceID); err != nil {
		return m.failure(err, MsgServiceNotFound)
	}

	if err := m.credentials.Update(ctx, serviceID, in); err != nil {
		return m.failure(err, MsgSomethingWentWrong)
	}
	return keybot.OK(serviceID, MsgCredentialsUpdated), nil
}

func (m *ServiceManager) CredentialsInfo(ctx context.Context, actor, serviceID string) (*keybot.CredentialsInfo, error) {
	if _, err := m.ownedService(ctx, actor, serviceID); err != nil {
		return nil, err
	}
	return m.credentials.Info(ctx, serviceID)
}

// Deploy checks everything a deployment needs without touching the
// infrastructure, marks the service as deploying and queues the rollout
func (m *ServiceManager) Deploy(ctx context.Context, actor, serviceID string) (keybot.Response, error) {
	svc, err := m.ownedService(ctx, actor, serviceID)
	if err != nil {
		return m.failure(err, MsgServiceNotFound)
	}
	if _, err := m.drivers.Get(svc.CloudProvider); err != nil {
		return m.failure(err, MsgDeployUnavailable)
	}
	if _, err := m.credentials.Unlock(ctx, serviceID); err != nil {
		if errors.IsErrorType(err, errors.ErrNotFound) {
			return keybot.Failed(MsgCredentialsMissing), nil
		}
		return m.failure(err, MsgDeployUnavailable)
	}

	err = m.dispatcher.Serialize(serviceID, func() error {
		current, err := m.services.Get(ctx, serviceID)
		if err != nil {
			return err
		}
		current.SetOperation(keybot.OperationDeploying, keybot.StatusDeployStarted)
		return m.services.Update(ctx, current)
	})
	if err != nil {
		return m.failure(err, MsgDeployUnavailable)
	}

	task, err := m.dispatcher.Submit(keybot.TaskDeploy, serviceID, func(ctx context.Context) error {
		return m.deploy(ctx, serviceID)
	})
	if err != nil {
		m.l.Error("unable to queue deployment", "service_id", serviceID, "error", err)
		m.rollback(ctx, serviceID, keybot.StatusDeployUnqueued)
		return keybot.Failed(keybot.StatusDeployUnqueued), nil
	}
	return keybot.OK(serviceID, MsgDeployQueued).WithTask(task.ID), nil
}

func (m *ServiceManager) deploy(ctx context.Context, serviceID string) error {
	ctx, span := otel.Tracer("keybot/service").Start(ctx, "Deploy")
	defer span.End()
	span.SetAttributes(attribute.String("service_id", serviceID))

	svc, err := m.services.Get(ctx, serviceID)
	if err != nil {
		return err
	}

	if err := m.rollout(ctx, svc); err != nil {
		svc.SetOperation(keybot.OperationIdle, keybot.StatusDeployFailed)
		return m.persistFailure(ctx, svc, err)
	}
	return nil
}

// rollout builds a new task revision and converges the service onto it,
// a cluster created on the way is kept on svc even when a later step fails
func (m *ServiceManager) rollout(ctx context.Context, svc *keybot.Service) error {
	driver, err := m.drivers.Get(svc.CloudProvider)
	if err != nil {
		return err
	}

	creds, err := m.credentials.Unlock(ctx, svc.ID)
	if err != nil {
		return err
	}

	accessKey := uuid.NewString()
	spec, err := driver.BuildTaskSpec(svc, creds, accessKey)
	if err != nil {
		return err
	}

	taskDefinition, err := driver.RegisterTaskSpec(ctx, spec)
	if err != nil {
		return err
	}

	if !svc.HasCluster() {
		m.l.Info("service has no cluster, creating it", "service_id", svc.ID)
		clusterID, err := m.newCluster(ctx, svc)
		if err != nil {
			return err
		}
		svc.ClusterResourceID = &clusterID
	}

	serviceResourceID, err := driver.Converge(ctx, svc, taskDefinition, *svc.ClusterResourceID)
	if err != nil {
		return err
	}

	svc.CloudResourceID = &serviceResourceID
	svc.CloudAccessKey = &accessKey
	svc.CurrentVersion = m.releaseVersion(ctx)
	svc.SetOperation(keybot.OperationDeploying, keybot.StatusDeployQueued)
	return m.services.Update(ctx, svc)
}

func (m *ServiceManager) releaseVersion(ctx context.Context) *string {
	if m.releases == nil {
		return nil
	}
	version, err := m.releases.CurrentVersion(ctx)
	if err != nil {
		m.l.Warn("unable to resolve release version", "error", err)
		return nil
	}
	return &version
}

// PingStatus queues a refresh of the service status from the infrastructure
func (m *ServiceManager) PingStatus(ctx context.Context, actor, serviceID string) (keybot.Response, error) {
	if _, err := m.ownedService(ctx, actor, serviceID); err != nil {
		return m.failure(err, MsgServiceNotFound)
	}

	task, err := m.submitPing(serviceID)
	if err != nil {
		return m.failure(err, MsgSomethingWentWrong)
	}
	return keybot.OK(serviceID, MsgStatusRefreshQueued).WithTask(task.ID), nil
}

func (m *ServiceManager) submitPing(serviceID string) (keybot.Task, error) {
	return m.dispatcher.Submit(keybot.TaskPing, serviceID, func(ctx context.Context) error {
		return m.refreshStatus(ctx, serviceID)
	})
}

// refreshStatus leaves the stored status as it is when the infrastructure
// can not be read
func (m *ServiceManager) refreshStatus(ctx context.Context, serviceID string) error {
	ctx, span := otel.Tracer("keybot/service").Start(ctx, "RefreshStatus")
	defer span.End()

	svc, err := m.services.Get(ctx, serviceID)
	if err != nil {
		return err
	}
	if !svc.IsConverged() || !svc.HasCluster() {
		return nil
	}

	driver, err := m.drivers.Get(svc.CloudProvider)
	if err != nil {
		return err
	}
	raw, err := driver.DescribeStatus(ctx, svc, *svc.ClusterResourceID)
	if err != nil {
		return err
	}

	svc.Apply(keybot.Reconcile(raw))
	return m.services.Update(ctx, svc)
}

// GetService returns the service and queues a status refresh in the background
func (m *ServiceManager) GetService(ctx context.Context, actor, serviceID string) (*keybot.Service, error) {
	svc, err := m.ownedService(ctx, actor, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.IsConverged() {
		if _, err := m.submitPing(serviceID); err != nil {
			m.l.Warn("unable to queue status refresh", "service_id", serviceID, "error", err)
		}
	}
	return svc, nil
}

func (m *ServiceManager) ListServices(ctx context.Context, actor string) ([]*keybot.Service, error) {
	if actor == "" {
		return nil, errors.Unauthorized(keybot.EntityService, MsgNoAccess)
	}
	return m.services.ListByOwner(ctx, actor)
}

func (m *ServiceManager) TaskStatus(_ context.Context, taskID string) (keybot.Task, error) {
	return m.dispatcher.TaskStatus(taskID)
}

func (m *ServiceManager) CurrentVersion(ctx context.Context) string {
	if version := m.releaseVersion(ctx); version != nil {
		return *version
	}
	return VersionUnavailable
}

func (m *ServiceManager) UploadResource(ctx context.Context, actor, serviceID string, req UploadRequest, content io.Reader) (keybot.Response, error) {
	if _, err := m.ownedService(ctx, actor, serviceID); err != nil {
		return m.failure(err, MsgServiceNotFound)
	}

	location, err := m.resources.Upload(ctx, serviceID, req, content)
	if err != nil {
		return m.failure(err, MsgFileUploadFailed)
	}
	return keybot.OK(location, MsgFileUploaded), nil
}

func (m *ServiceManager) DeleteResource(ctx context.Context, actor, serviceID, path string) (keybot.Response, error) {
	if _, err := m.ownedService(ctx, actor, serviceID); err != nil {
		return m.failure(err, MsgServiceNotFound)
	}

	if err := m.resources.Delete(ctx, serviceID, path); err != nil {
		return m.failure(err, MsgResourceDeleteFailed)
	}
	return keybot.OK(path, MsgResourceDeleted), nil
}

func (m *ServiceManager) ListResources(ctx context.Context, actor, serviceID string) ([]keybot.CustomResource, error) {
	if _, err := m.ownedService(ctx, actor, serviceID); err != nil {
		return nil, err
	}
	return m.resources.List(ctx, serviceID)
}

func (m *ServiceManager) ownedService(ctx context.Context, actor, serviceID string) (*keybot.Service, error) {
	svc, err := m.services.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.IsOwnedBy(actor) {
		return nil, errors.Unauthorized(keybot.EntityService, MsgNoAccess)
	}
	return svc, nil
}

// rollback puts a service back to rest when its task never got to run
func (m *ServiceManager) rollback(ctx context.Context, serviceID, status string) {
	err := m.dispatcher.Serialize(serviceID, func() error {
		svc, err := m.services.Get(ctx, serviceID)
		if err != nil {
			return err
		}
		svc.SetOperation(keybot.OperationIdle, status)
		return m.services.Update(ctx, svc)
	})
	if err != nil {
		m.l.Error("unable to roll back service status", "service_id", serviceID, "error", err)
	}
}

// persistFailure stores svc in its failed rest state and returns the cause.
// The task context can already be past its deadline, so the write runs on
// its own.
func (m *ServiceManager) persistFailure(ctx context.Context, svc *keybot.Service, cause error) error {
	m.l.Error("service operation failed", "service_id", svc.ID, "status", svc.CurrentOperationStatus, "error", cause)

	writeCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx)), failureWriteTimeout)
	defer cancel()
	if err := m.services.Update(writeCtx, svc); err != nil {
		me := errors.NewMultiError("error while recording failure")
		me.Append(cause)
		me.Append(err)
		return me
	}
	return cause
}

// failure turns err into a user facing envelope, authorization errors are
// returned as they are
func (m *ServiceManager) failure(err error, fallback string) (keybot.Response, error) {
	if errors.IsErrorType(err, errors.ErrUnauthorized) {
		return keybot.Response{}, err
	}
	if errors.IsErrorType(err, errors.ErrNotFound) && fallback == MsgServiceNotFound {
		return keybot.Failed(MsgServiceNotFound), nil
	}
	m.l.Warn("request failed", "error", err)
	return keybot.Failed(errors.UserMessage(err, fallback)), nil
}

func ownerLockKey(ownerID string) string {
	return "owner/" + ownerID
}

func NewServiceManager(l log.Logger, services ServiceRepository, owners OwnerRepository, credentials *CredentialService,
	resources *ResourceService, drivers DriverRegistry, releases ReleaseResolver, dispatcher *Dispatcher) *ServiceManager {
	return &ServiceManager{
		l:               l,
		services:        services,
		owners:          owners,
		credentials:     credentials,
		resources:       resources,
		drivers:         drivers,
		releases:        releases,
		dispatcher:      dispatcher,
		defaultProvider: keybot.ProviderAWS,
	}
}
