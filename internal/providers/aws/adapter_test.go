package aws

import (
	"context"
	"errors"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	ctrltypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/catherinevee/evidencemgr/internal/logger"
	"github.com/catherinevee/evidencemgr/internal/providers"
)

type stubSTS struct {
	err error
}

func (s *stubSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &sts.GetCallerIdentityOutput{Account: awssdk.String("123456789012")}, nil
}

type stubIAM struct {
	listPoliciesErr  error
	policyVersionErr error
	listUsersErr     error
	mfaErr           error
}

func (s *stubIAM) ListPolicies(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error) {
	if s.listPoliciesErr != nil {
		return nil, s.listPoliciesErr
	}
	return &iam.ListPoliciesOutput{Policies: []iamtypes.Policy{
		{
			Arn:              awssdk.String("arn:aws:iam::123456789012:policy/AdminPolicy"),
			PolicyName:       awssdk.String("AdminPolicy"),
			DefaultVersionId: awssdk.String("v1"),
			AttachmentCount:  awssdk.Int32(2),
		},
	}}, nil
}

func (s *stubIAM) GetPolicyVersion(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error) {
	if s.policyVersionErr != nil {
		return nil, s.policyVersionErr
	}
	return &iam.GetPolicyVersionOutput{PolicyVersion: &iamtypes.PolicyVersion{
		Document: awssdk.String("%7B%22Version%22%3A%222012-10-17%22%7D"),
	}}, nil
}

func (s *stubIAM) ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	if s.listUsersErr != nil {
		return nil, s.listUsersErr
	}
	return &iam.ListUsersOutput{Users: []iamtypes.User{
		{
			Arn:      awssdk.String("arn:aws:iam::123456789012:user/alice"),
			UserName: awssdk.String("alice"),
			Path:     awssdk.String("/"),
		},
	}}, nil
}

func (s *stubIAM) ListMFADevices(ctx context.Context, params *iam.ListMFADevicesInput, optFns ...func(*iam.Options)) (*iam.ListMFADevicesOutput, error) {
	if s.mfaErr != nil {
		return nil, s.mfaErr
	}
	return &iam.ListMFADevicesOutput{MFADevices: []iamtypes.MFADevice{{}}}, nil
}

type stubEC2 struct {
	err error
}

func (s *stubEC2) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []ec2types.SecurityGroup{
		{
			GroupId:     awssdk.String("sg-0123"),
			GroupName:   awssdk.String("ssh-open"),
			Description: awssdk.String("allows ssh"),
			IpPermissions: []ec2types.IpPermission{
				{
					IpProtocol: awssdk.String("tcp"),
					FromPort:   awssdk.Int32(22),
					ToPort:     awssdk.Int32(22),
					IpRanges:   []ec2types.IpRange{{CidrIp: awssdk.String("0.0.0.0/0")}},
				},
			},
		},
	}}, nil
}

type stubCloudTrail struct {
	describeErr error
	statusErr   error
}

func (s *stubCloudTrail) DescribeTrails(ctx context.Context, params *cloudtrail.DescribeTrailsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error) {
	if s.describeErr != nil {
		return nil, s.describeErr
	}
	return &cloudtrail.DescribeTrailsOutput{TrailList: []ctrltypes.Trail{
		{
			TrailARN: awssdk.String("arn:aws:cloudtrail:us-east-1:123456789012:trail/main"),
			Name:     awssdk.String("main"),
		},
	}}, nil
}

func (s *stubCloudTrail) GetTrailStatus(ctx context.Context, params *cloudtrail.GetTrailStatusInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return &cloudtrail.GetTrailStatusOutput{IsLogging: awssdk.Bool(true)}, nil
}

func newStubAdapter() *Adapter {
	return &Adapter{
		region:     "us-east-1",
		sts:        &stubSTS{},
		iam:        &stubIAM{},
		ec2:        &stubEC2{},
		cloudtrail: &stubCloudTrail{},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		log:        logger.New("providers.aws.test"),
	}
}

func TestNewRequiresStaticCredentials(t *testing.T) {
	_, err := New(providers.Config{Credentials: map[string]interface{}{}})
	require.Error(t, err)
	assert.True(t, providers.IsAuthError(err))
}

func TestSupportedEvidenceTypes(t *testing.T) {
	a := newStubAdapter()
	assert.ElementsMatch(t,
		[]string{EvidenceIAMPolicy, EvidenceIAMUser, EvidenceSecurityGroup, EvidenceAuditLogging},
		a.SupportedEvidenceTypes())
}

func TestAuthenticate(t *testing.T) {
	a := newStubAdapter()
	ok, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	a.sts = &stubSTS{err: errors.New("InvalidClientTokenId")}
	ok, err = a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCollectAll(t *testing.T) {
	a := newStubAdapter()
	records, err := a.CollectAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 4)

	byType := map[string]int{}
	for _, r := range records {
		byType[r.EvidenceType]++
		assert.Equal(t, "aws", r.Source)
		assert.False(t, r.Partial)
		assert.NotEmpty(t, r.ResourceID)
	}
	assert.Equal(t, 1, byType[EvidenceIAMPolicy])
	assert.Equal(t, 1, byType[EvidenceIAMUser])
	assert.Equal(t, 1, byType[EvidenceSecurityGroup])
	assert.Equal(t, 1, byType[EvidenceAuditLogging])
}

func TestCollectAllDegradesOnDetailFailure(t *testing.T) {
	a := newStubAdapter()
	a.iam = &stubIAM{
		policyVersionErr: errors.New("AccessDenied"),
		mfaErr:           errors.New("AccessDenied"),
	}
	a.cloudtrail = &stubCloudTrail{statusErr: errors.New("AccessDenied")}

	records, err := a.CollectAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 4)

	partial := 0
	for _, r := range records {
		if r.Partial {
			partial++
		}
	}
	assert.Equal(t, 3, partial)
}

func TestCollectAllSurfacesListFailure(t *testing.T) {
	a := newStubAdapter()
	a.iam = &stubIAM{listPoliciesErr: errors.New("RequestTimeout")}

	_, err := a.CollectAll(context.Background())
	require.Error(t, err)

	var transportErr *providers.TransportError
	assert.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "aws", transportErr.Provider)
}

func TestSecurityGroupOpenIngressFlag(t *testing.T) {
	a := newStubAdapter()
	records, err := a.collectSecurityGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, true, records[0].Payload["open_ingress"])
}
