// Copyright The ScyllaDB Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	smithyendpoints "github.com/aws/smithy-go/endpoints"
)

// endpointResolver implements dynamodb.EndpointResolverV2 on top of the node
// selector. The SDK resolves the endpoint inside the retry loop and before
// signing, so every attempt picks its node afresh and the signature always
// covers the host the request actually goes to. A retried request therefore
// never sticks to the node that just failed it.
type endpointResolver struct {
	b *LoadBalancer
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, _ dynamodb.EndpointParameters) (smithyendpoints.Endpoint, error) {
	node, err := r.b.PickNode()
	if err != nil {
		return smithyendpoints.Endpoint{}, err
	}
	return smithyendpoints.Endpoint{URI: *node.URL()}, nil
}

// AWSConfig returns an aws.Config carrying the balancer's pooled HTTP client,
// region and the (dummy) Alternator credentials. It is the generic
// construction flavor: build any service client from it and attach
// EndpointResolver to route its requests through the balancer.
func (b *LoadBalancer) AWSConfig(ctx context.Context) (aws.Config, error) {
	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		b.cfg.AccessKeyID, string(b.cfg.SecretAccessKey), ""))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, func(options *awsconfig.LoadOptions) error {
		options.Region = b.cfg.Region
		options.Credentials = creds
		options.HTTPClient = b.httpClient
		return nil
	})
	if err != nil {
		return aws.Config{}, fmt.Errorf("building aws config: %w", err)
	}
	return cfg, nil
}

// EndpointResolver returns the per-request resolver that rewrites each
// attempt's destination to a freshly selected node.
func (b *LoadBalancer) EndpointResolver() dynamodb.EndpointResolverV2 {
	return &endpointResolver{b: b}
}

// DynamoDB returns a ready-to-use low-level DynamoDB client bound to the
// balancer: pooled connections, per-attempt node selection, Alternator
// credentials.
func (b *LoadBalancer) DynamoDB(ctx context.Context) (*dynamodb.Client, error) {
	cfg, err := b.AWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg, func(options *dynamodb.Options) {
		options.EndpointResolverV2 = b.EndpointResolver()
	}), nil
}
