package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odpf/salt/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"gocloud.dev/blob/memblob"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/core/keybot/service"
	"github.com/odpf/kleidi/ext/cloud"
	kerrors "github.com/odpf/kleidi/internal/errors"
)

type managerFixture struct {
	manager     *service.ServiceManager
	dispatcher  *service.Dispatcher
	services    *serviceRepo
	credentials *credentialsRepo
	driver      *cloudDriver
	releases    *releaseResolver
}

func newManagerFixture(t *testing.T, owners ...*keybot.Owner) *managerFixture {
	t.Helper()

	return newManagerFixtureWith(t, config.DispatcherConfig{
		NumWorkers:    4,
		WorkerTimeout: time.Second,
		QueueCapacity: 10,
	}, owners...)
}

func newManagerFixtureWith(t *testing.T, conf config.DispatcherConfig, owners ...*keybot.Owner) *managerFixture {
	t.Helper()
	logger := log.NewNoop()

	f := &managerFixture{
		services:    newServiceRepo(),
		credentials: newCredentialsRepo(),
		driver:      new(cloudDriver),
		releases:    new(releaseResolver),
	}
	f.dispatcher = service.NewDispatcher(logger, conf)

	registry := cloud.NewRegistry()
	assert.Nil(t, registry.Register(keybot.ProviderAWS, f.driver))

	ownerRepo := ownerRepo{}
	for _, o := range owners {
		ownerRepo[o.ID] = o
	}

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() {
		f.dispatcher.Close()
		bucket.Close()
	})

	f.manager = service.NewServiceManager(logger, f.services, ownerRepo,
		service.NewCredentialService(logger, f.credentials, newVault(t)),
		service.NewResourceService(logger, bucket, config.StorageConfig{ListingCacheTTL: time.Minute}),
		registry, f.releases, f.dispatcher)
	return f
}

// seed stores a service as the create task would have left it
func (f *managerFixture) seed(t *testing.T, mutate func(svc *keybot.Service)) *keybot.Service {
	t.Helper()

	svc, err := keybot.NewService("svc-1", "demo", "owner-1", keybot.ProviderAWS)
	assert.Nil(t, err)
	svc.ClusterResourceID = keybot.StringPtr("arn:cluster")
	svc.SetOperation(keybot.OperationIdle, keybot.StatusCreated)
	if mutate != nil {
		mutate(svc)
	}
	assert.Nil(t, f.services.Create(context.Background(), svc))
	return svc
}

// occupy keeps the only worker of a single worker dispatcher busy and fills
// its one slot queue, the returned func lets both tasks finish
func (f *managerFixture) occupy(t *testing.T) func() {
	t.Helper()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	_, err := f.dispatcher.Submit(keybot.TaskPing, "svc-busy", blocking)
	assert.Nil(t, err)
	<-started
	_, err = f.dispatcher.Submit(keybot.TaskPing, "svc-busy", blocking)
	assert.Nil(t, err)
	return func() { close(release) }
}

func (f *managerFixture) seedCredentials(t *testing.T, creds *keybot.Credentials) {
	t.Helper()

	resp, err := f.manager.UpdateCredentials(context.Background(), "owner-1", "svc-1", creds)
	assert.Nil(t, err)
	assert.False(t, resp.Failed())
}

func TestServiceManager(t *testing.T) {
	ctx := context.Background()
	activeOwner := &keybot.Owner{ID: "owner-1", Activated: true, ServiceAllowance: 1}

	t.Run("CreateService", func(t *testing.T) {
		t.Run("creates the service and its cluster", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			defer f.driver.AssertExpectations(t)

			f.driver.On("CreateCluster", mock.Anything, mock.Anything, "demo", "owner-1").Return("arn:cluster", nil).Once()

			resp, err := f.manager.CreateService(ctx, "owner-1", "demo")

			assert.Nil(t, err)
			assert.Equal(t, keybot.ResponseOK, resp.Status)
			assert.Equal(t, "Keybot service created successfully.", resp.Message)
			waitTask(t, f.dispatcher, resp.TaskID)

			svc := f.services.stored(resp.ResourceID)
			assert.Equal(t, "arn:cluster", *svc.ClusterResourceID)
			assert.Nil(t, svc.CloudResourceID)
			assert.Equal(t, keybot.OperationIdle, svc.CurrentOperation)
			assert.Equal(t, keybot.StatusCreated, svc.CurrentOperationStatus)
		})
		t.Run("records a failed cluster creation as idle", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			defer f.driver.AssertExpectations(t)

			f.driver.On("CreateCluster", mock.Anything, mock.Anything, "demo", "owner-1").
				Return("", kerrors.Infrastructure(cloud.EntityDriver, "error creating cluster", errors.New("quota"))).Once()

			resp, err := f.manager.CreateService(ctx, "owner-1", "demo")
			assert.Nil(t, err)
			task := waitTask(t, f.dispatcher, resp.TaskID)
			assert.Equal(t, keybot.TaskFailed, task.State)

			svc := f.services.stored(resp.ResourceID)
			assert.False(t, svc.HasCluster())
			assert.Equal(t, keybot.OperationIdle, svc.CurrentOperation)
			assert.Equal(t, keybot.StatusCreateFailed, svc.CurrentOperationStatus)
		})
		t.Run("records the failure when the cluster outlives the worker timeout", func(t *testing.T) {
			f := newManagerFixtureWith(t, config.DispatcherConfig{NumWorkers: 1, WorkerTimeout: 50 * time.Millisecond, QueueCapacity: 1}, activeOwner)

			f.driver.On("CreateCluster", mock.Anything, mock.Anything, "demo", "owner-1").Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).Return("", context.DeadlineExceeded).Once()

			resp, err := f.manager.CreateService(ctx, "owner-1", "demo")
			assert.Nil(t, err)
			task := waitTask(t, f.dispatcher, resp.TaskID)
			assert.Equal(t, keybot.TaskFailed, task.State)

			svc := f.services.stored(resp.ResourceID)
			assert.Equal(t, keybot.OperationIdle, svc.CurrentOperation)
			assert.Equal(t, keybot.StatusCreateFailed, svc.CurrentOperationStatus)
		})
		t.Run("leaves the service idle when the create task can not be queued", func(t *testing.T) {
			f := newManagerFixtureWith(t, config.DispatcherConfig{NumWorkers: 1, WorkerTimeout: time.Second, QueueCapacity: 1}, activeOwner)
			release := f.occupy(t)
			defer release()

			resp, err := f.manager.CreateService(ctx, "owner-1", "demo")

			assert.Nil(t, err)
			assert.Equal(t, keybot.ResponseOK, resp.Status)
			assert.Empty(t, resp.TaskID)
			svc := f.services.stored(resp.ResourceID)
			assert.Equal(t, keybot.OperationIdle, svc.CurrentOperation)
			assert.Equal(t, keybot.StatusCreateFailed, svc.CurrentOperationStatus)
			assert.Equal(t, []string{keybot.StatusCreating, keybot.StatusCreateFailed}, f.services.history(resp.ResourceID))
			f.driver.AssertNotCalled(t, "CreateCluster", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
		t.Run("persists nothing without remaining allowance", func(t *testing.T) {
			f := newManagerFixture(t, &keybot.Owner{ID: "owner-1", Activated: true, ServiceAllowance: 0})

			resp, err := f.manager.CreateService(ctx, "owner-1", "demo")

			assert.Nil(t, err)
			assert.Equal(t, keybot.Failed("Not enough allowance on current billing plan."), resp)
			assert.Equal(t, 0, f.services.count())
			f.driver.AssertNotCalled(t, "CreateCluster", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
		t.Run("persists nothing once the allowance is used", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)

			resp, err := f.manager.CreateService(ctx, "owner-1", "another")

			assert.Nil(t, err)
			assert.Equal(t, "Not enough allowance on current billing plan.", resp.Error)
			assert.Equal(t, 1, f.services.count())
		})
		t.Run("rejects owners that are not activated", func(t *testing.T) {
			f := newManagerFixture(t, &keybot.Owner{ID: "owner-1", ServiceAllowance: 5})

			resp, err := f.manager.CreateService(ctx, "owner-1", "demo")

			assert.Nil(t, err)
			assert.Equal(t, "Your account must be activated to create a service.", resp.Error)
			assert.Equal(t, 0, f.services.count())
		})
		t.Run("returns validation failure for an empty name", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)

			resp, err := f.manager.CreateService(ctx, "owner-1", " ")

			assert.Nil(t, err)
			assert.Equal(t, "service name is empty", resp.Error)
		})
	})

	t.Run("UpdateCredentials", func(t *testing.T) {
		t.Run("returns authorization error for another owner", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)

			_, err := f.manager.UpdateCredentials(ctx, "owner-2", "svc-1", completeCredentials())

			assert.True(t, kerrors.IsErrorType(err, kerrors.ErrUnauthorized))
			assert.Equal(t, 0, f.credentials.count())
		})
		t.Run("returns not found envelope for unknown service", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)

			resp, err := f.manager.UpdateCredentials(ctx, "owner-1", "svc-1", completeCredentials())

			assert.Nil(t, err)
			assert.Equal(t, keybot.Failed("No service found"), resp)
		})
		t.Run("stores credentials", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)

			resp, err := f.manager.UpdateCredentials(ctx, "owner-1", "svc-1", completeCredentials())

			assert.Nil(t, err)
			assert.Equal(t, keybot.OK("svc-1", "Updated credentials successfully"), resp)
			info, err := f.manager.CredentialsInfo(ctx, "owner-1", "svc-1")
			assert.Nil(t, err)
			assert.Empty(t, info.Missing)
		})
	})

	t.Run("Deploy", func(t *testing.T) {
		t.Run("fails fast on incomplete credentials", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			seeded := f.seed(t, nil)
			incomplete := completeCredentials()
			incomplete.DiscordToken = nil
			f.seedCredentials(t, incomplete)
			revision := f.services.stored("svc-1").Revision

			resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")

			assert.Nil(t, err)
			assert.Equal(t, keybot.ResponseFailed, resp.Status)
			assert.Equal(t, "Please fill in all credentials for this service before deploying.", resp.Error)
			assert.Empty(t, f.driver.Calls)
			stored := f.services.stored("svc-1")
			assert.Equal(t, revision, stored.Revision)
			assert.Equal(t, seeded.CurrentOperationStatus, stored.CurrentOperationStatus)
		})
		t.Run("fails fast without credentials", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)

			resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")

			assert.Nil(t, err)
			assert.Equal(t, "Please add credentials to this service before deploying.", resp.Error)
			assert.Empty(t, f.driver.Calls)
		})
		t.Run("returns authorization error for another owner", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)
			f.seedCredentials(t, completeCredentials())

			_, err := f.manager.Deploy(ctx, "owner-2", "svc-1")

			assert.True(t, kerrors.IsErrorType(err, kerrors.ErrUnauthorized))
			assert.Empty(t, f.driver.Calls)
		})
		t.Run("returns unsupported provider as failure", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, func(svc *keybot.Service) { svc.CloudProvider = "GCP" })
			f.seedCredentials(t, completeCredentials())

			resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")

			assert.Nil(t, err)
			assert.Equal(t, "cloud provider [GCP] is not supported", resp.Error)
		})
		t.Run("registers, converges and records the rollout", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			defer f.driver.AssertExpectations(t)
			f.seed(t, nil)
			f.seedCredentials(t, completeCredentials())

			f.driver.On("BuildTaskSpec", mock.Anything, mock.MatchedBy(func(c *keybot.Credentials) bool {
				return keybot.StringValue(c.DiscordToken) == "token"
			}), mock.Anything).Return(cloud.TaskSpec{Family: "demo-svc-1"}, nil).Once()
			f.driver.On("RegisterTaskSpec", mock.Anything, cloud.TaskSpec{Family: "demo-svc-1"}).Return("arn:task:1", nil).Once()
			f.driver.On("Converge", mock.Anything, mock.MatchedBy(func(s *keybot.Service) bool {
				return !s.IsConverged()
			}), "arn:task:1", "arn:cluster").Return("arn:service", nil).Once()
			f.releases.On("CurrentVersion", mock.Anything).Return("1.4.2", nil)

			resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")

			assert.Nil(t, err)
			assert.Equal(t, "Successfully queued deployment", resp.Message)
			assert.NotEmpty(t, resp.TaskID)
			task := waitTask(t, f.dispatcher, resp.TaskID)
			assert.Equal(t, keybot.TaskSucceeded, task.State)

			svc := f.services.stored("svc-1")
			assert.Equal(t, "arn:service", *svc.CloudResourceID)
			assert.NotEmpty(t, *svc.CloudAccessKey)
			assert.Equal(t, "1.4.2", *svc.CurrentVersion)
			assert.Equal(t, keybot.OperationDeploying, svc.CurrentOperation)
			assert.Equal(t, "Deploying new patch to instances", svc.CurrentOperationStatus)
			assert.Contains(t, f.services.history("svc-1"), "Deploying to cloud")
		})
		t.Run("converges twice onto one cluster with two revisions", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			defer f.driver.AssertExpectations(t)
			f.seed(t, func(svc *keybot.Service) {
				svc.CloudResourceID = keybot.StringPtr("arn:service")
			})
			f.seedCredentials(t, completeCredentials())

			f.driver.On("BuildTaskSpec", mock.Anything, mock.Anything, mock.Anything).Return(cloud.TaskSpec{Family: "demo-svc-1"}, nil)
			f.driver.On("RegisterTaskSpec", mock.Anything, mock.Anything).Return("arn:task:1", nil).Once()
			f.driver.On("RegisterTaskSpec", mock.Anything, mock.Anything).Return("arn:task:2", nil).Once()
			f.driver.On("Converge", mock.Anything, mock.MatchedBy(func(s *keybot.Service) bool {
				return s.IsConverged()
			}), mock.Anything, "arn:cluster").Return("arn:service", nil).Twice()
			f.releases.On("CurrentVersion", mock.Anything).Return("", kerrors.NotFound("release", "no release"))

			for i := 0; i < 2; i++ {
				resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")
				assert.Nil(t, err)
				assert.Equal(t, keybot.TaskSucceeded, waitTask(t, f.dispatcher, resp.TaskID).State)
			}

			f.driver.AssertNotCalled(t, "CreateCluster", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			f.driver.AssertCalled(t, "Converge", mock.Anything, mock.Anything, "arn:task:1", "arn:cluster")
			f.driver.AssertCalled(t, "Converge", mock.Anything, mock.Anything, "arn:task:2", "arn:cluster")
			svc := f.services.stored("svc-1")
			assert.Equal(t, "arn:service", *svc.CloudResourceID)
			assert.Nil(t, svc.CurrentVersion)
		})
		t.Run("creates a missing cluster and keeps it when converge fails", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			defer f.driver.AssertExpectations(t)
			f.seed(t, func(svc *keybot.Service) {
				svc.ClusterResourceID = nil
				svc.SetOperation(keybot.OperationIdle, keybot.StatusCreateFailed)
			})
			f.seedCredentials(t, completeCredentials())

			f.driver.On("BuildTaskSpec", mock.Anything, mock.Anything, mock.Anything).Return(cloud.TaskSpec{}, nil)
			f.driver.On("RegisterTaskSpec", mock.Anything, mock.Anything).Return("arn:task:1", nil)
			f.driver.On("CreateCluster", mock.Anything, "svc-1", "demo", "owner-1").Return("arn:cluster:new", nil).Once()
			f.driver.On("Converge", mock.Anything, mock.Anything, "arn:task:1", "arn:cluster:new").
				Return("", kerrors.Infrastructure(cloud.EntityDriver, "error deploying service", errors.New("throttled")))

			resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")
			assert.Nil(t, err)
			task := waitTask(t, f.dispatcher, resp.TaskID)
			assert.Equal(t, keybot.TaskFailed, task.State)

			svc := f.services.stored("svc-1")
			assert.Equal(t, "arn:cluster:new", *svc.ClusterResourceID)
			assert.Nil(t, svc.CloudResourceID)
			assert.Equal(t, keybot.OperationIdle, svc.CurrentOperation)
			assert.Equal(t, "Failed to deploy. Please attempt deploy again later", svc.CurrentOperationStatus)
		})
		t.Run("records the failure when converge outlives the worker timeout", func(t *testing.T) {
			f := newManagerFixtureWith(t, config.DispatcherConfig{NumWorkers: 1, WorkerTimeout: 50 * time.Millisecond, QueueCapacity: 1}, activeOwner)
			f.seed(t, nil)
			f.seedCredentials(t, completeCredentials())

			f.driver.On("BuildTaskSpec", mock.Anything, mock.Anything, mock.Anything).Return(cloud.TaskSpec{}, nil)
			f.driver.On("RegisterTaskSpec", mock.Anything, mock.Anything).Return("arn:task:1", nil)
			f.driver.On("Converge", mock.Anything, mock.Anything, "arn:task:1", "arn:cluster").Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).Return("", context.DeadlineExceeded)

			resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")
			assert.Nil(t, err)
			task := waitTask(t, f.dispatcher, resp.TaskID)
			assert.Equal(t, keybot.TaskFailed, task.State)

			svc := f.services.stored("svc-1")
			assert.Nil(t, svc.CloudResourceID)
			assert.Equal(t, keybot.OperationIdle, svc.CurrentOperation)
			assert.Equal(t, keybot.StatusDeployFailed, svc.CurrentOperationStatus)
		})
		t.Run("rolls back to idle when the deployment can not be queued", func(t *testing.T) {
			f := newManagerFixtureWith(t, config.DispatcherConfig{NumWorkers: 1, WorkerTimeout: time.Second, QueueCapacity: 1}, activeOwner)
			f.seed(t, nil)
			f.seedCredentials(t, completeCredentials())
			release := f.occupy(t)
			defer release()

			resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")

			assert.Nil(t, err)
			assert.Equal(t, keybot.Failed(keybot.StatusDeployUnqueued), resp)
			svc := f.services.stored("svc-1")
			assert.Equal(t, keybot.OperationIdle, svc.CurrentOperation)
			assert.Equal(t, keybot.StatusDeployUnqueued, svc.CurrentOperationStatus)
			assert.Equal(t, []string{keybot.StatusCreated, keybot.StatusDeployStarted, keybot.StatusDeployUnqueued}, f.services.history("svc-1"))
			f.driver.AssertNotCalled(t, "RegisterTaskSpec", mock.Anything, mock.Anything)
		})
		t.Run("acknowledges once the running task of the service finishes", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)
			f.seedCredentials(t, completeCredentials())
			f.driver.On("BuildTaskSpec", mock.Anything, mock.Anything, mock.Anything).Return(cloud.TaskSpec{}, nil)
			f.driver.On("RegisterTaskSpec", mock.Anything, mock.Anything).Return("arn:task:1", nil)
			f.driver.On("Converge", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("arn:service", nil)
			f.releases.On("CurrentVersion", mock.Anything).Return("1.0.0", nil)

			release := make(chan struct{})
			started := make(chan struct{})
			_, err := f.dispatcher.Submit(keybot.TaskPing, "svc-1", func(ctx context.Context) error {
				close(started)
				<-release
				return nil
			})
			assert.Nil(t, err)
			<-started

			acknowledged := make(chan keybot.Response, 1)
			go func() {
				resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")
				assert.Nil(t, err)
				acknowledged <- resp
			}()

			select {
			case <-acknowledged:
				t.Fatal("deploy acknowledged while a task of the service was running")
			case <-time.After(30 * time.Millisecond):
			}
			close(release)

			select {
			case resp := <-acknowledged:
				assert.Equal(t, service.MsgDeployQueued, resp.Message)
				assert.Equal(t, keybot.TaskSucceeded, waitTask(t, f.dispatcher, resp.TaskID).State)
			case <-time.After(2 * time.Second):
				t.Fatal("deploy was not acknowledged after the running task finished")
			}
		})
		t.Run("never interleaves converge calls of concurrent deploys", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)
			f.seedCredentials(t, completeCredentials())

			var inFlight, overlapped int32
			f.driver.On("BuildTaskSpec", mock.Anything, mock.Anything, mock.Anything).Return(cloud.TaskSpec{}, nil)
			f.driver.On("RegisterTaskSpec", mock.Anything, mock.Anything).Return("arn:task", nil)
			f.driver.On("Converge", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
				if atomic.AddInt32(&inFlight, 1) > 1 {
					atomic.StoreInt32(&overlapped, 1)
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
			}).Return("arn:service", nil)
			f.releases.On("CurrentVersion", mock.Anything).Return("1.0.0", nil)

			var wg sync.WaitGroup
			taskIDs := make([]string, 2)
			for i := range taskIDs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					resp, err := f.manager.Deploy(ctx, "owner-1", "svc-1")
					assert.Nil(t, err)
					taskIDs[i] = resp.TaskID
				}(i)
			}
			wg.Wait()
			for _, id := range taskIDs {
				assert.Equal(t, keybot.TaskSucceeded, waitTask(t, f.dispatcher, id).State)
			}

			assert.Equal(t, int32(0), atomic.LoadInt32(&overlapped))
			f.driver.AssertNumberOfCalls(t, "Converge", 2)
		})
	})

	t.Run("PingStatus", func(t *testing.T) {
		t.Run("leaves a service that never converged untouched", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)
			revision := f.services.stored("svc-1").Revision

			resp, err := f.manager.PingStatus(ctx, "owner-1", "svc-1")
			assert.Nil(t, err)
			assert.Equal(t, keybot.TaskSucceeded, waitTask(t, f.dispatcher, resp.TaskID).State)

			assert.Empty(t, f.driver.Calls)
			assert.Equal(t, revision, f.services.stored("svc-1").Revision)
		})
		t.Run("persists the reconciled status", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			defer f.driver.AssertExpectations(t)
			f.seed(t, func(svc *keybot.Service) {
				svc.CloudResourceID = keybot.StringPtr("arn:service")
				svc.SetOperation(keybot.OperationDeploying, keybot.StatusDeployQueued)
			})
			deployedAt := time.Date(2022, 6, 14, 0, 0, 0, 0, time.UTC)

			f.driver.On("DescribeStatus", mock.Anything, mock.Anything, "arn:cluster").Return(keybot.RawStatus{
				TopStatus:    keybot.TopStatusActive,
				RunningCount: 2,
				Deployments:  []keybot.Deployment{{Status: keybot.DeploymentPrimary, CreatedAt: &deployedAt}},
			}, nil).Once()

			resp, err := f.manager.PingStatus(ctx, "owner-1", "svc-1")
			assert.Nil(t, err)
			assert.Equal(t, keybot.TaskSucceeded, waitTask(t, f.dispatcher, resp.TaskID).State)

			svc := f.services.stored("svc-1")
			assert.Equal(t, keybot.OperationRunning, svc.CurrentOperation)
			assert.Equal(t, "Service is running and stable", svc.CurrentOperationStatus)
			assert.Equal(t, deployedAt, *svc.LastDeploy)
		})
		t.Run("keeps the stored status when describe fails", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, func(svc *keybot.Service) {
				svc.CloudResourceID = keybot.StringPtr("arn:service")
				svc.SetOperation(keybot.OperationDeploying, keybot.StatusDeployQueued)
			})

			f.driver.On("DescribeStatus", mock.Anything, mock.Anything, "arn:cluster").
				Return(keybot.RawStatus{}, kerrors.Infrastructure(cloud.EntityDriver, "error retrieving updates", errors.New("no services found")))

			resp, err := f.manager.PingStatus(ctx, "owner-1", "svc-1")
			assert.Nil(t, err)
			assert.Equal(t, keybot.TaskFailed, waitTask(t, f.dispatcher, resp.TaskID).State)

			svc := f.services.stored("svc-1")
			assert.Equal(t, keybot.OperationDeploying, svc.CurrentOperation)
		})
	})

	t.Run("Resources", func(t *testing.T) {
		t.Run("uploads, lists and deletes without touching the operation", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)
			revision := f.services.stored("svc-1").Revision

			resp, err := f.manager.UploadResource(ctx, "owner-1", "svc-1", service.UploadRequest{Path: "views/a.html", Type: keybot.ResourceTypeView},
				strings.NewReader("<html/>"))
			assert.Nil(t, err)
			assert.Equal(t, keybot.OK("svc-1/customResources/views/a.html", "File uploaded successfully"), resp)

			list, err := f.manager.ListResources(ctx, "owner-1", "svc-1")
			assert.Nil(t, err)
			assert.Len(t, list, 1)

			resp, err = f.manager.DeleteResource(ctx, "owner-1", "svc-1", "views/a.html")
			assert.Nil(t, err)
			assert.Equal(t, "Resource successfully deleted", resp.Message)

			resp, err = f.manager.DeleteResource(ctx, "owner-1", "svc-1", "views/a.html")
			assert.Nil(t, err)
			assert.False(t, resp.Failed())

			assert.Equal(t, revision, f.services.stored("svc-1").Revision)
		})
		t.Run("returns authorization error for another owner", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)

			_, err := f.manager.UploadResource(ctx, "owner-2", "svc-1", service.UploadRequest{Path: "a.txt"}, strings.NewReader("a"))

			assert.True(t, kerrors.IsErrorType(err, kerrors.ErrUnauthorized))
		})
	})

	t.Run("CurrentVersion", func(t *testing.T) {
		t.Run("returns unavailable when the release has no version", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.releases.On("CurrentVersion", mock.Anything).Return("", kerrors.NotFound("release", "no release"))

			assert.Equal(t, "Unavailable", f.manager.CurrentVersion(ctx))
		})
	})

	t.Run("GetService", func(t *testing.T) {
		t.Run("queues a status refresh for converged services", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, func(svc *keybot.Service) {
				svc.CloudResourceID = keybot.StringPtr("arn:service")
			})
			called := make(chan struct{}, 1)
			f.driver.On("DescribeStatus", mock.Anything, mock.Anything, "arn:cluster").Run(func(args mock.Arguments) {
				called <- struct{}{}
			}).Return(keybot.RawStatus{TopStatus: keybot.TopStatusActive}, nil)

			svc, err := f.manager.GetService(ctx, "owner-1", "svc-1")

			assert.Nil(t, err)
			assert.Equal(t, "demo", svc.Name)
			select {
			case <-called:
			case <-time.After(2 * time.Second):
				t.Error("status refresh was not queued")
			}
		})
		t.Run("lists only the services of the actor", func(t *testing.T) {
			f := newManagerFixture(t, activeOwner)
			f.seed(t, nil)

			list, err := f.manager.ListServices(ctx, "owner-2")

			assert.Nil(t, err)
			assert.Empty(t, list)
		})
	})
}

// serviceRepo keeps services in memory with the revision check of the
// postgres repository, writes fail on a done context like they do there
type serviceRepo struct {
	mu       sync.Mutex
	items    map[string]keybot.Service
	statuses map[string][]string
}

func newServiceRepo() *serviceRepo {
	return &serviceRepo{items: map[string]keybot.Service{}, statuses: map[string][]string{}}
}

func (r *serviceRepo) Create(ctx context.Context, svc *keybot.Service) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[svc.ID]; ok {
		return kerrors.NewError(kerrors.ErrAlreadyExists, keybot.EntityService, "service already exists")
	}
	svc.Revision = 1
	r.items[svc.ID] = *svc
	r.statuses[svc.ID] = append(r.statuses[svc.ID], svc.CurrentOperationStatus)
	return nil
}

func (r *serviceRepo) Get(_ context.Context, id string) (*keybot.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.items[id]
	if !ok {
		return nil, kerrors.NotFound(keybot.EntityService, "no service found for id "+id)
	}
	return &svc, nil
}

func (r *serviceRepo) Update(ctx context.Context, svc *keybot.Service) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.items[svc.ID]
	if !ok {
		return kerrors.NotFound(keybot.EntityService, "no service found for id "+svc.ID)
	}
	if stored.Revision != svc.Revision {
		return kerrors.Conflict(keybot.EntityService, "service was modified concurrently")
	}
	svc.Revision++
	r.items[svc.ID] = *svc
	r.statuses[svc.ID] = append(r.statuses[svc.ID], svc.CurrentOperationStatus)
	return nil
}

func (r *serviceRepo) CountByOwner(_ context.Context, ownerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, svc := range r.items {
		if svc.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

func (r *serviceRepo) ListByOwner(_ context.Context, ownerID string) ([]*keybot.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []*keybot.Service
	for _, svc := range r.items {
		if svc.OwnerID == ownerID {
			svc := svc
			list = append(list, &svc)
		}
	}
	return list, nil
}

func (r *serviceRepo) stored(id string) keybot.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id]
}

func (r *serviceRepo) history(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses[id]...)
}

func (r *serviceRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

type credentialsRepo struct {
	mu    sync.Mutex
	items map[string]keybot.Credentials
}

func newCredentialsRepo() *credentialsRepo {
	return &credentialsRepo{items: map[string]keybot.Credentials{}}
}

func (r *credentialsRepo) GetByService(_ context.Context, serviceID string) (*keybot.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	creds, ok := r.items[serviceID]
	if !ok {
		return nil, kerrors.NotFound(keybot.EntityCredentials, "no credentials found for service "+serviceID)
	}
	return &creds, nil
}

func (r *credentialsRepo) Save(_ context.Context, creds *keybot.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[creds.ServiceID] = *creds
	return nil
}

func (r *credentialsRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

type ownerRepo map[string]*keybot.Owner

func (r ownerRepo) Get(_ context.Context, id string) (*keybot.Owner, error) {
	owner, ok := r[id]
	if !ok {
		return nil, kerrors.NotFound(keybot.EntityOwner, "no owner found for id "+id)
	}
	return owner, nil
}

type cloudDriver struct {
	mock.Mock
}

func (d *cloudDriver) CreateCluster(ctx context.Context, serviceID, serviceName, ownerID string) (string, error) {
	args := d.Called(ctx, serviceID, serviceName, ownerID)
	return args.String(0), args.Error(1)
}

func (d *cloudDriver) BuildTaskSpec(svc *keybot.Service, creds *keybot.Credentials, accessKey string) (cloud.TaskSpec, error) {
	args := d.Called(svc, creds, accessKey)
	return args.Get(0).(cloud.TaskSpec), args.Error(1)
}

func (d *cloudDriver) RegisterTaskSpec(ctx context.Context, spec cloud.TaskSpec) (string, error) {
	args := d.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (d *cloudDriver) Converge(ctx context.Context, svc *keybot.Service, taskDefinition, clusterResourceID string) (string, error) {
	args := d.Called(ctx, svc, taskDefinition, clusterResourceID)
	return args.String(0), args.Error(1)
}

func (d *cloudDriver) DescribeStatus(ctx context.Context, svc *keybot.Service, clusterResourceID string) (keybot.RawStatus, error) {
	args := d.Called(ctx, svc, clusterResourceID)
	return args.Get(0).(keybot.RawStatus), args.Error(1)
}

type releaseResolver struct {
	mock.Mock
}

func (r *releaseResolver) CurrentVersion(ctx context.Context) (string, error) {
	args := r.Called(ctx)
	return args.String(0), args.Error(1)
}
