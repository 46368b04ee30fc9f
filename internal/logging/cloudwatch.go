package logging

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	cwClient    *cloudwatch.Client
	cwNamespace = "Marketfeed"
)

// InitCloudWatch enables best-effort publishing of operational counters
// (restarts, book inconsistencies, archive drops) to CloudWatch. It is
// entirely optional: callers that never invoke it get a no-op metrics path.
func InitCloudWatch(region, namespace string) {
	log := Get().WithComponent("cloudwatch")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}
	cwClient = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwNamespace = namespace
	}
	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("cloudwatch metrics enabled")
}

// PublishCount emits a single Count-unit metric datum, dimensioned by the
// supplied labels (e.g. venue, channel). No-op until InitCloudWatch runs.
func PublishCount(metric string, value float64, dims Fields) {
	if cwClient == nil {
		return
	}
	dimensions := make([]cwtypes.Dimension, 0, len(dims))
	for k, v := range dims {
		if s, ok := v.(string); ok {
			dimensions = append(dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(metric),
		Dimensions: dimensions,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(value),
	}
	_, err := cwClient.PutMetricData(context.Background(), &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cwNamespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		Get().WithComponent("cloudwatch").WithError(err).Debug("failed to publish metric")
	}
}
