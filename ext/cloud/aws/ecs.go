// Package aws runs keybot services as single task FARGATE services on ECS
package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/ext/cloud"
	"github.com/odpf/kleidi/internal/errors"
)

const (
	TagServiceOwnerID = "serviceOwnerId"
	TagServiceID      = "serviceId"

	defaultCallTimeout = 30 * time.Second
	desiredCount       = 1
)

var tracer = otel.Tracer("ext/cloud/aws")

type ECSDriver struct {
	client ecsiface.ECSAPI
	conf   config.AWSConfig
}

func (d *ECSDriver) CreateCluster(ctx context.Context, serviceID, serviceName, ownerID string) (string, error) {
	ctx, cancel, end := d.call(ctx, "CreateCluster", serviceID)
	defer cancel()

	out, err := d.client.CreateClusterWithContext(ctx, &ecs.CreateClusterInput{
		ClusterName: aws.String(cloud.ResourceName(serviceName, serviceID)),
		Tags: []*ecs.Tag{
			{Key: aws.String(TagServiceOwnerID), Value: aws.String(ownerID)},
			{Key: aws.String(TagServiceID), Value: aws.String(serviceID)},
		},
	})
	end(err)
	if err != nil {
		return "", errors.Infrastructure(cloud.EntityDriver, "error creating cluster", err)
	}
	if out.Cluster == nil || aws.StringValue(out.Cluster.ClusterArn) == "" {
		return "", errors.Infrastructure(cloud.EntityDriver, "create cluster returned no cluster", nil)
	}
	return aws.StringValue(out.Cluster.ClusterArn), nil
}

func (d *ECSDriver) BuildTaskSpec(service *keybot.Service, creds *keybot.Credentials, accessKey string) (cloud.TaskSpec, error) {
	if service == nil || creds == nil {
		return cloud.TaskSpec{}, errors.InvalidArgument(cloud.EntityDriver, "service and credentials are required")
	}
	if err := creds.Validate(); err != nil {
		return cloud.TaskSpec{}, err
	}
	if accessKey == "" {
		return cloud.TaskSpec{}, errors.InvalidArgument(cloud.EntityDriver, "access key is empty")
	}

	return cloud.TaskSpec{
		Family:        cloud.ResourceName(service.Name, service.ID),
		ContainerName: d.conf.ContainerName,
		Image:         d.conf.Image,
		CPU:           d.conf.CPU,
		Memory:        d.conf.Memory,
		Environment:   cloud.KeybotEnvironment(service.ID, accessKey, creds),
		LogGroup:      d.conf.LogGroup,
		LogPrefix:     d.conf.LogStreamPrefix,
		Tags: map[string]string{
			TagServiceOwnerID: service.OwnerID,
			TagServiceID:      service.ID,
		},
	}, nil
}

func (d *ECSDriver) RegisterTaskSpec(ctx context.Context, spec cloud.TaskSpec) (string, error) {
	ctx, cancel, end := d.call(ctx, "RegisterTaskSpec", spec.Family)
	defer cancel()

	env := make([]*ecs.KeyValuePair, 0, len(spec.Environment))
	for _, e := range spec.Environment {
		env = append(env, &ecs.KeyValuePair{Name: aws.String(e.Name), Value: aws.String(e.Value)})
	}

	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(spec.Family),
		Cpu:                     aws.String(spec.CPU),
		Memory:                  aws.String(spec.Memory),
		NetworkMode:             aws.String(ecs.NetworkModeAwsvpc),
		RequiresCompatibilities: aws.StringSlice([]string{ecs.CompatibilityFargate}),
		ContainerDefinitions: []*ecs.ContainerDefinition{
			{
				Name:        aws.String(spec.ContainerName),
				Image:       aws.String(spec.Image),
				Essential:   aws.Bool(true),
				Environment: env,
				LogConfiguration: &ecs.LogConfiguration{
					LogDriver: aws.String(ecs.LogDriverAwslogs),
					Options: aws.StringMap(map[string]string{
						"awslogs-group":         spec.LogGroup,
						"awslogs-region":        d.conf.Region,
						"awslogs-stream-prefix": spec.LogPrefix,
					}),
				},
			},
		},
		Tags: ecsTags(spec.Tags),
	}
	if d.conf.ExecutionRoleArn != "" {
		input.ExecutionRoleArn = aws.String(d.conf.ExecutionRoleArn)
	}
	if d.conf.TaskRoleArn != "" {
		input.TaskRoleArn = aws.String(d.conf.TaskRoleArn)
	}

	out, err := d.client.RegisterTaskDefinitionWithContext(ctx, input)
	end(err)
	if err != nil {
		return "", errors.Infrastructure(cloud.EntityDriver, "error registering task definition", err)
	}
	if out.TaskDefinition == nil || aws.StringValue(out.TaskDefinition.TaskDefinitionArn) == "" {
		return "", errors.Infrastructure(cloud.EntityDriver, "register task definition returned no revision", nil)
	}
	return aws.StringValue(out.TaskDefinition.TaskDefinitionArn), nil
}

func (d *ECSDriver) Converge(ctx context.Context, service *keybot.Service, taskDefinition, clusterResourceID string) (string, error) {
	ctx, cancel, end := d.call(ctx, "Converge", service.ID)
	defer cancel()

	var out *ecs.Service
	var err error
	if service.IsConverged() {
		out, err = d.updateService(ctx, service, taskDefinition, clusterResourceID)
	} else {
		out, err = d.createService(ctx, service, taskDefinition, clusterResourceID)
		if isExistingService(err) {
			// created by an earlier rollout whose result was never recorded
			out, err = d.updateService(ctx, service, taskDefinition, clusterResourceID)
		}
	}
	end(err)
	if err != nil {
		return "", errors.Infrastructure(cloud.EntityDriver, "error deploying service", err)
	}
	if out == nil || aws.StringValue(out.ServiceArn) == "" {
		return "", errors.Infrastructure(cloud.EntityDriver, "deploy returned no service", nil)
	}
	return aws.StringValue(out.ServiceArn), nil
}

func (d *ECSDriver) createService(ctx context.Context, service *keybot.Service, taskDefinition, clusterResourceID string) (*ecs.Service, error) {
	out, err := d.client.CreateServiceWithContext(ctx, &ecs.CreateServiceInput{
		Cluster:        aws.String(clusterResourceID),
		ServiceName:    aws.String(service.ID),
		TaskDefinition: aws.String(taskDefinition),
		DesiredCount:   aws.Int64(desiredCount),
		LaunchType:     aws.String(ecs.LaunchTypeFargate),
		NetworkConfiguration: &ecs.NetworkConfiguration{
			AwsvpcConfiguration: &ecs.AwsVpcConfiguration{
				AssignPublicIp: aws.String(ecs.AssignPublicIpEnabled),
				Subnets:        aws.StringSlice(d.conf.Subnets),
				SecurityGroups: aws.StringSlice(d.conf.SecurityGroups),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Service, nil
}

// isExistingService reports whether ECS refused a create because a service
// with the same name already runs in the cluster
func isExistingService(err error) bool {
	var aerr awserr.Error
	if err == nil || !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == ecs.ErrCodeInvalidParameterException &&
		strings.Contains(strings.ToLower(aerr.Message()), "not idempotent")
}

func (d *ECSDriver) updateService(ctx context.Context, service *keybot.Service, taskDefinition, clusterResourceID string) (*ecs.Service, error) {
	out, err := d.client.UpdateServiceWithContext(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(clusterResourceID),
		Service:            aws.String(service.ID),
		TaskDefinition:     aws.String(taskDefinition),
		ForceNewDeployment: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return out.Service, nil
}

func (d *ECSDriver) DescribeStatus(ctx context.Context, service *keybot.Service, clusterResourceID string) (keybot.RawStatus, error) {
	ctx, cancel, end := d.call(ctx, "DescribeStatus", service.ID)
	defer cancel()

	out, err := d.client.DescribeServicesWithContext(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(clusterResourceID),
		Services: aws.StringSlice([]string{service.ID}),
	})
	if err == nil {
		err = describeFailure(out)
	}
	end(err)
	if err != nil {
		return keybot.RawStatus{}, errors.Infrastructure(cloud.EntityDriver, "error retrieving updates", err)
	}

	svc := out.Services[0]
	raw := keybot.RawStatus{
		TopStatus:    aws.StringValue(svc.Status),
		PendingCount: aws.Int64Value(svc.PendingCount),
		RunningCount: aws.Int64Value(svc.RunningCount),
	}
	for _, dep := range svc.Deployments {
		raw.Deployments = append(raw.Deployments, keybot.Deployment{
			ID:        aws.StringValue(dep.Id),
			Status:    aws.StringValue(dep.Status),
			CreatedAt: dep.CreatedAt,
		})
	}
	return raw, nil
}

func describeFailure(out *ecs.DescribeServicesOutput) error {
	if len(out.Failures) > 0 {
		reasons := make([]string, 0, len(out.Failures))
		for _, f := range out.Failures {
			reasons = append(reasons, fmt.Sprintf("%s: %s", aws.StringValue(f.Arn), aws.StringValue(f.Reason)))
		}
		return fmt.Errorf("describe services reported failures: %s", strings.Join(reasons, ", "))
	}
	if len(out.Services) == 0 {
		return fmt.Errorf("no services found")
	}
	return nil
}

// call bounds a single ECS request with the configured timeout and wraps it
// in a span, end records the outcome on the span
func (d *ECSDriver) call(ctx context.Context, name, resource string) (context.Context, context.CancelFunc, func(error)) {
	timeout := d.conf.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, span := tracer.Start(ctx, "ECSDriver."+name)
	span.SetAttributes(attribute.String("resource", resource))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func ecsTags(tags map[string]string) []*ecs.Tag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*ecs.Tag, 0, len(tags))
	for _, k := range keys {
		out = append(out, &ecs.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func NewECSDriver(client ecsiface.ECSAPI, conf config.AWSConfig) *ECSDriver {
	return &ECSDriver{
		client: client,
		conf:   conf,
	}
}

// NewECSDriverFromSession builds the ECS client out of an existing aws session
func NewECSDriverFromSession(sess *session.Session, conf config.AWSConfig) *ECSDriver {
	return NewECSDriver(ecs.New(sess, aws.NewConfig().WithRegion(conf.Region)), conf)
}
