// Package cloud holds the capability every compute provider implements to
// run keybot services, and the registry the orchestrator picks drivers from.
package cloud

import (
	"context"
	"strconv"

	"github.com/odpf/kleidi/core/keybot"
)

const EntityDriver = "cloud_driver"

// environment variable names injected into every keybot container
const (
	EnvServiceID     = "KEYBOT_SERVICE_ID"
	EnvAccessKey     = "KEYBOT_ACCESS_KEY"
	EnvProduction    = "PRODUCTION"
	EnvSessionSecret = "SESSION_SECRET"
	EnvMongoURL      = "MONGO_URL"
	EnvDiscordToken  = "DISCORD_TOKEN"
	EnvEncryptionKey = "ENCRYPTION_KEY"
)

type EnvVar struct {
	Name  string
	Value string
}

// TaskSpec is an immutable container workload description. Registering the
// same spec twice still produces two revisions.
type TaskSpec struct {
	Family        string
	ContainerName string
	Image         string
	CPU           string
	Memory        string
	Environment   []EnvVar
	LogGroup      string
	LogPrefix     string
	Tags          map[string]string
}

// Env returns the value of the named variable and whether it is set
func (t TaskSpec) Env(name string) (string, bool) {
	for _, e := range t.Environment {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

type Driver interface {
	// CreateCluster creates the cluster backing a service and returns its id
	CreateCluster(ctx context.Context, serviceID, serviceName, ownerID string) (string, error)

	// BuildTaskSpec expects decrypted credentials
	BuildTaskSpec(service *keybot.Service, creds *keybot.Credentials, accessKey string) (TaskSpec, error)

	// RegisterTaskSpec stores a new revision of spec and returns its id
	RegisterTaskSpec(ctx context.Context, spec TaskSpec) (string, error)

	// Converge creates the managed compute service when the service has never
	// converged, otherwise rolls the existing one onto taskDefinition
	Converge(ctx context.Context, service *keybot.Service, taskDefinition, clusterResourceID string) (string, error)

	DescribeStatus(ctx context.Context, service *keybot.Service, clusterResourceID string) (keybot.RawStatus, error)
}

// ResourceName is the name shared by the cluster and the task family of a service
func ResourceName(serviceName, serviceID string) string {
	return serviceName + "-" + serviceID
}

// KeybotEnvironment builds the container environment out of decrypted credentials
func KeybotEnvironment(serviceID, accessKey string, creds *keybot.Credentials) []EnvVar {
	production := false
	if creds.Production != nil {
		production = *creds.Production
	}
	return []EnvVar{
		{Name: EnvServiceID, Value: serviceID},
		{Name: EnvAccessKey, Value: accessKey},
		{Name: EnvProduction, Value: strconv.FormatBool(production)},
		{Name: EnvSessionSecret, Value: keybot.StringValue(creds.SessionSecret)},
		{Name: EnvMongoURL, Value: keybot.StringValue(creds.MongoURL)},
		{Name: EnvDiscordToken, Value: keybot.StringValue(creds.DiscordToken)},
		{Name: EnvEncryptionKey, Value: keybot.StringValue(creds.EncryptionKey)},
	}
}
