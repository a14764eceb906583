package aws

import (
	"context"
	"fmt"
	"net/url"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/time/rate"

	"github.com/catherinevee/evidencemgr/internal/logger"
	"github.com/catherinevee/evidencemgr/internal/providers"
	"github.com/catherinevee/evidencemgr/pkg/models"
)

// Evidence types this adapter can collect.
const (
	EvidenceIAMPolicy     = "iam_policy"
	EvidenceIAMUser       = "iam_user"
	EvidenceSecurityGroup = "security_group"
	EvidenceAuditLogging  = "audit_logging"
)

const defaultRegion = "us-east-1"

// API surface the adapter needs, narrowed for testability.
type stsAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type iamAPI interface {
	ListPolicies(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error)
	GetPolicyVersion(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error)
	ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	ListMFADevices(ctx context.Context, params *iam.ListMFADevicesInput, optFns ...func(*iam.Options)) (*iam.ListMFADevicesOutput, error)
}

type ec2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

type cloudtrailAPI interface {
	DescribeTrails(ctx context.Context, params *cloudtrail.DescribeTrailsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error)
	GetTrailStatus(ctx context.Context, params *cloudtrail.GetTrailStatusInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error)
}

// Adapter collects compliance evidence from one AWS account using static
// credentials decrypted by the vault.
type Adapter struct {
	region     string
	sts        stsAPI
	iam        iamAPI
	ec2        ec2API
	cloudtrail cloudtrailAPI
	limiter    *rate.Limiter
	log        logger.Logger
}

// New builds an adapter from decrypted credential material.
func New(config providers.Config) (providers.Adapter, error) {
	accessKey := config.StringCredential("access_key_id")
	secretKey := config.StringCredential("secret_access_key")
	if accessKey == "" || secretKey == "" {
		return nil, &providers.AuthError{Provider: "aws", Message: "missing access_key_id or secret_access_key"}
	}

	region := config.Region
	if region == "" {
		region = defaultRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, config.StringCredential("session_token"))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}

	return &Adapter{
		region:     region,
		sts:        sts.NewFromConfig(cfg),
		iam:        iam.NewFromConfig(cfg),
		ec2:        ec2.NewFromConfig(cfg),
		cloudtrail: cloudtrail.NewFromConfig(cfg),
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		log:        logger.New("providers.aws"),
	}, nil
}

// Name returns the provider id
func (a *Adapter) Name() string {
	return "aws"
}

// SupportedEvidenceTypes returns the evidence types this adapter collects
func (a *Adapter) SupportedEvidenceTypes() []string {
	return []string{EvidenceIAMPolicy, EvidenceIAMUser, EvidenceSecurityGroup, EvidenceAuditLogging}
}

// Authenticate verifies the credentials via STS GetCallerIdentity.
func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	if _, err := a.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		a.log.Warn("caller identity check failed", logger.Err(err))
		return false, nil
	}
	return true, nil
}

// CollectAll gathers evidence across all supported types. A failure of a
// whole listing call surfaces as a provider-level transport error; a
// failure on one resource's detail lookup degrades to a partial record.
func (a *Adapter) CollectAll(ctx context.Context) ([]models.EvidenceRecord, error) {
	var records []models.EvidenceRecord

	policies, err := a.collectIAMPolicies(ctx)
	if err != nil {
		return nil, &providers.TransportError{Provider: "aws", Cause: err}
	}
	records = append(records, policies...)

	users, err := a.collectIAMUsers(ctx)
	if err != nil {
		return nil, &providers.TransportError{Provider: "aws", Cause: err}
	}
	records = append(records, users...)

	groups, err := a.collectSecurityGroups(ctx)
	if err != nil {
		return nil, &providers.TransportError{Provider: "aws", Cause: err}
	}
	records = append(records, groups...)

	trails, err := a.collectAuditLogging(ctx)
	if err != nil {
		return nil, &providers.TransportError{Provider: "aws", Cause: err}
	}
	records = append(records, trails...)

	return records, nil
}

func (a *Adapter) collectIAMPolicies(ctx context.Context) ([]models.EvidenceRecord, error) {
	out, err := a.iam.ListPolicies(ctx, &iam.ListPoliciesInput{
		Scope:    iamtypes.PolicyScopeTypeLocal,
		MaxItems: awssdk.Int32(200),
	})
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}

	records := make([]models.EvidenceRecord, 0, len(out.Policies))
	for _, policy := range out.Policies {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		record := models.EvidenceRecord{
			EvidenceType:     EvidenceIAMPolicy,
			Source:           "aws",
			ResourceID:       awssdk.ToString(policy.Arn),
			ResourceName:     awssdk.ToString(policy.PolicyName),
			Description:      awssdk.ToString(policy.Description),
			ControlTags:      []string{"access-control", "least-privilege"},
			CollectionMethod: models.CollectionAutomated,
			TrustedSource:    true,
			CollectedAt:      time.Now().UTC(),
			Payload: map[string]interface{}{
				"arn":              awssdk.ToString(policy.Arn),
				"policy_name":      awssdk.ToString(policy.PolicyName),
				"attachment_count": awssdk.ToInt32(policy.AttachmentCount),
				"default_version":  awssdk.ToString(policy.DefaultVersionId),
				"region":           a.region,
			},
		}

		// Detail lookup failures degrade the record instead of aborting
		// the provider pass.
		version, err := a.iam.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
			PolicyArn: policy.Arn,
			VersionId: policy.DefaultVersionId,
		})
		if err != nil {
			a.log.Warn("policy version lookup failed",
				logger.String("policy", awssdk.ToString(policy.PolicyName)),
				logger.Err(err))
			record.Partial = true
		} else if version.PolicyVersion != nil {
			if doc, err := url.QueryUnescape(awssdk.ToString(version.PolicyVersion.Document)); err == nil {
				record.Payload["policy_document"] = doc
			}
		}

		records = append(records, record)
	}
	return records, nil
}

func (a *Adapter) collectIAMUsers(ctx context.Context) ([]models.EvidenceRecord, error) {
	out, err := a.iam.ListUsers(ctx, &iam.ListUsersInput{MaxItems: awssdk.Int32(500)})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	records := make([]models.EvidenceRecord, 0, len(out.Users))
	for _, user := range out.Users {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		record := models.EvidenceRecord{
			EvidenceType:     EvidenceIAMUser,
			Source:           "aws",
			ResourceID:       awssdk.ToString(user.Arn),
			ResourceName:     awssdk.ToString(user.UserName),
			Description:      fmt.Sprintf("IAM user %s access review", awssdk.ToString(user.UserName)),
			ControlTags:      []string{"access-control", "identity-management"},
			CollectionMethod: models.CollectionAutomated,
			TrustedSource:    true,
			CollectedAt:      time.Now().UTC(),
			Payload: map[string]interface{}{
				"arn":       awssdk.ToString(user.Arn),
				"user_name": awssdk.ToString(user.UserName),
				"path":      awssdk.ToString(user.Path),
			},
		}
		if user.CreateDate != nil {
			record.Payload["created_at"] = user.CreateDate.Format(time.RFC3339)
		}
		if user.PasswordLastUsed != nil {
			record.Payload["password_last_used"] = user.PasswordLastUsed.Format(time.RFC3339)
		}

		mfa, err := a.iam.ListMFADevices(ctx, &iam.ListMFADevicesInput{UserName: user.UserName})
		if err != nil {
			a.log.Warn("MFA device lookup failed",
				logger.String("user", awssdk.ToString(user.UserName)),
				logger.Err(err))
			record.Partial = true
		} else {
			record.Payload["mfa_enabled"] = len(mfa.MFADevices) > 0
			record.Payload["mfa_device_count"] = len(mfa.MFADevices)
		}

		records = append(records, record)
	}
	return records, nil
}

func (a *Adapter) collectSecurityGroups(ctx context.Context) ([]models.EvidenceRecord, error) {
	out, err := a.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{})
	if err != nil {
		return nil, fmt.Errorf("describe security groups: %w", err)
	}

	records := make([]models.EvidenceRecord, 0, len(out.SecurityGroups))
	for _, group := range out.SecurityGroups {
		openIngress := false
		rules := make([]map[string]interface{}, 0, len(group.IpPermissions))
		for _, perm := range group.IpPermissions {
			rule := map[string]interface{}{
				"protocol": awssdk.ToString(perm.IpProtocol),
			}
			if perm.FromPort != nil {
				rule["from_port"] = awssdk.ToInt32(perm.FromPort)
			}
			if perm.ToPort != nil {
				rule["to_port"] = awssdk.ToInt32(perm.ToPort)
			}
			cidrs := make([]string, 0, len(perm.IpRanges))
			for _, r := range perm.IpRanges {
				cidr := awssdk.ToString(r.CidrIp)
				cidrs = append(cidrs, cidr)
				if cidr == "0.0.0.0/0" {
					openIngress = true
				}
			}
			rule["cidr_blocks"] = cidrs
			rules = append(rules, rule)
		}

		records = append(records, models.EvidenceRecord{
			EvidenceType:     EvidenceSecurityGroup,
			Source:           "aws",
			ResourceID:       awssdk.ToString(group.GroupId),
			ResourceName:     awssdk.ToString(group.GroupName),
			Description:      awssdk.ToString(group.Description),
			ControlTags:      []string{"network-security"},
			CollectionMethod: models.CollectionAutomated,
			TrustedSource:    true,
			CollectedAt:      time.Now().UTC(),
			Payload: map[string]interface{}{
				"group_id":      awssdk.ToString(group.GroupId),
				"group_name":    awssdk.ToString(group.GroupName),
				"vpc_id":        awssdk.ToString(group.VpcId),
				"ingress_rules": rules,
				"open_ingress":  openIngress,
				"region":        a.region,
			},
		})
	}
	return records, nil
}

func (a *Adapter) collectAuditLogging(ctx context.Context) ([]models.EvidenceRecord, error) {
	out, err := a.cloudtrail.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{})
	if err != nil {
		return nil, fmt.Errorf("describe trails: %w", err)
	}

	records := make([]models.EvidenceRecord, 0, len(out.TrailList))
	for _, trail := range out.TrailList {
		record := models.EvidenceRecord{
			EvidenceType:     EvidenceAuditLogging,
			Source:           "aws",
			ResourceID:       awssdk.ToString(trail.TrailARN),
			ResourceName:     awssdk.ToString(trail.Name),
			Description:      "CloudTrail audit logging configuration",
			ControlTags:      []string{"audit-logging", "monitoring"},
			CollectionMethod: models.CollectionAutomated,
			TrustedSource:    true,
			CollectedAt:      time.Now().UTC(),
			Payload: map[string]interface{}{
				"trail_arn":      awssdk.ToString(trail.TrailARN),
				"name":           awssdk.ToString(trail.Name),
				"s3_bucket":      awssdk.ToString(trail.S3BucketName),
				"multi_region":   awssdk.ToBool(trail.IsMultiRegionTrail),
				"log_validation": awssdk.ToBool(trail.LogFileValidationEnabled),
				"home_region":    awssdk.ToString(trail.HomeRegion),
			},
		}

		status, err := a.cloudtrail.GetTrailStatus(ctx, &cloudtrail.GetTrailStatusInput{Name: trail.TrailARN})
		if err != nil {
			a.log.Warn("trail status lookup failed",
				logger.String("trail", awssdk.ToString(trail.Name)),
				logger.Err(err))
			record.Partial = true
		} else {
			record.Payload["is_logging"] = awssdk.ToBool(status.IsLogging)
		}

		records = append(records, record)
	}
	return records, nil
}
