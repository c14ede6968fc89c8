package capacity

import (
	"context"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"go.uber.org/zap"

	"github.com/dealvault/scalecore/internal/config"
	"github.com/dealvault/scalecore/pkg/errors"
)

// AutoScalingAPI is the subset of the EC2 Auto Scaling client the backend uses.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	SetDesiredCapacity(ctx context.Context, params *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error)
}

// ASG drives the desired capacity of an AWS Auto Scaling group.
type ASG struct {
	client        AutoScalingAPI
	group         string
	honorCooldown bool
	logger        *zap.Logger
}

// NewASG loads AWS configuration and returns a backend for cfg.GroupName.
// Static keys take precedence over the shared profile and the default chain.
func NewASG(ctx context.Context, cfg config.ASGConfig, logger *zap.Logger) (*ASG, error) {
	if cfg.GroupName == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "auto scaling group name is required").
			WithComponent("capacity.asg")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("capacity.asg")
	}

	return NewASGWithClient(autoscaling.NewFromConfig(awsCfg), cfg.GroupName, cfg.HonorCooldown, logger), nil
}

// NewASGWithClient wraps an existing client.
func NewASGWithClient(client AutoScalingAPI, group string, honorCooldown bool, logger *zap.Logger) *ASG {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ASG{
		client:        client,
		group:         group,
		honorCooldown: honorCooldown,
		logger:        logger.Named("capacity.asg").With(zap.String("group", group)),
	}
}

// CurrentInstances returns the group's desired capacity.
func (a *ASG) CurrentInstances(ctx context.Context) (int, error) {
	out, err := a.client.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{a.group},
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeCapacityRead, "failed to describe auto scaling group").
			WithComponent("capacity.asg").
			WithDetail("group", a.group)
	}
	if len(out.AutoScalingGroups) == 0 {
		return 0, errors.Newf(errors.ErrCodeCapacityRead, "auto scaling group %q not found", a.group).
			WithComponent("capacity.asg")
	}
	return int(aws.ToInt32(out.AutoScalingGroups[0].DesiredCapacity)), nil
}

// SetInstances sets the group's desired capacity.
func (a *ASG) SetInstances(ctx context.Context, n int) error {
	if n < 0 {
		return errors.Newf(errors.ErrCodeCapacityUpdate, "instance count must not be negative, got %d", n).
			WithComponent("capacity.asg")
	}
	if n > math.MaxInt32 {
		e := errors.Newf(errors.ErrCodeCapacityUpdate, "instance count %d exceeds the group limit", n).
			WithComponent("capacity.asg")
		e.Retryable = false
		return e
	}

	_, err := a.client.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(a.group),
		DesiredCapacity:      aws.Int32(int32(n)),
		HonorCooldown:        aws.Bool(a.honorCooldown),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCapacityUpdate, "failed to set desired capacity").
			WithComponent("capacity.asg").
			WithDetail("group", a.group).
			WithDetail("desired", n)
	}

	a.logger.Info("desired capacity set", zap.Int("desired", n))
	return nil
}
