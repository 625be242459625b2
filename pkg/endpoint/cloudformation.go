package endpoint

import (
	"context"
	"errors"
	"strings"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/smithy-go"
)

// ClientFactory builds a DescribeStacks client for one region and credential
// set.
type ClientFactory func(region string, creds aws.Credentials) cloudformation.DescribeStacksAPIClient

// CloudFormationLookup reads stack outputs with DescribeStacks.
type CloudFormationLookup struct {
	newClient ClientFactory
}

// NewCloudFormationLookup creates a lookup backed by the AWS SDK.
func NewCloudFormationLookup() *CloudFormationLookup {
	return &CloudFormationLookup{newClient: defaultClient}
}

// NewCloudFormationLookupWithClient uses factory instead of the SDK client.
func NewCloudFormationLookupWithClient(factory ClientFactory) *CloudFormationLookup {
	return &CloudFormationLookup{newClient: factory}
}

func defaultClient(region string, creds aws.Credentials) cloudformation.DescribeStacksAPIClient {
	return cloudformation.NewFromConfig(aws.Config{
		Region:      region,
		Credentials: aws.NewCredentialsCache(staticProvider(creds)),
	})
}

type staticProvider aws.Credentials

func (p staticProvider) Retrieve(context.Context) (aws.Credentials, error) {
	return aws.Credentials(p), nil
}

// LookupStackOutput implements Lookup. A stack that does not exist is
// reported as not found; any other API failure is a transport failure.
func (l *CloudFormationLookup) LookupStackOutput(ctx context.Context, targetID, outputKey, region string, creds aws.Credentials) (string, bool, error) {
	client := l.newClient(region, creds)

	out, err := client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(targetID),
	})
	if err != nil {
		if stackMissing(err) {
			return "", false, nil
		}
		return "", false, apperr.EndpointLookupFailed(targetID, err).With("region", region)
	}

	for _, stack := range out.Stacks {
		for _, o := range stack.Outputs {
			if aws.ToString(o.OutputKey) == outputKey {
				return aws.ToString(o.OutputValue), true, nil
			}
		}
	}
	return "", false, nil
}

// CloudFormation reports a missing stack as a ValidationError whose message
// ends in "does not exist".
func stackMissing(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
}
