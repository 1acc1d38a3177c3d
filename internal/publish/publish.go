// Package publish releases a catalog as a content-addressed bundle:
//
//	s3://{bucket}/{prefix}/{sha256}.tar.gz      the bundle
//	s3://{bucket}/{prefix}/{sha256}.tar.gz.sig  KMS signature over the digest (optional)
//	SSM {param} = {sha256}                      the release pointer (optional)
//
// The site's content watcher polls the SSM parameter and swaps to the new
// bundle when it changes, so the pointer is written last.
package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/mdxemit/internal/content"
	"github.com/keithlinneman/mdxemit/internal/cryptoutil"
	"github.com/keithlinneman/mdxemit/internal/log"
	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

// S3API is the subset of *s3.Client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SSMAPI is the subset of *ssm.Client used here.
type SSMAPI interface {
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Signer signs and verifies SHA-256 digests. *cryptoutil.KMSSigner
// satisfies it.
type Signer interface {
	KeyARN() string
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
	VerifyDigest(ctx context.Context, digest, sig []byte) error
}

var _ Signer = (*cryptoutil.KMSSigner)(nil)

type Metrics interface {
	ObservePublish(d time.Duration, err error)
	SetBundle(sha256 string, size int)
}

type Options struct {
	Bucket   string
	Prefix   string
	SSMParam string

	S3  S3API
	SSM SSMAPI
	// Signer is optional; without it no .sig object is written.
	Signer Signer

	Logger  log.Logger
	Metrics Metrics
}

// Release describes what a successful Publish wrote.
type Release struct {
	SHA256       string
	Size         int
	Entries      int
	Bucket       string
	BundleKey    string
	SignatureKey string
	SSMParam     string
	// SSMVersion is the parameter version after the update, 0 when no
	// parameter is configured.
	SSMVersion int64
}

type Publisher struct {
	opts   Options
	logger log.Logger
	tracer trace.Tracer
}

func New(opts Options) (*Publisher, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("publish: S3 bucket is required")
	}
	if opts.S3 == nil {
		return nil, xerrors.New("publish: S3 client is required")
	}
	if opts.SSMParam != "" && opts.SSM == nil {
		return nil, xerrors.New("publish: SSM client is required when an SSM parameter is set")
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &Publisher{
		opts:   opts,
		logger: log.OrNop(opts.Logger),
		tracer: otel.Tracer("mdxemit/publish"),
	}, nil
}

// AWSOptions selects the AWS resources for NewFromAWS.
type AWSOptions struct {
	Bucket        string
	Prefix        string
	SSMParam      string
	SigningKeyARN string
	Region        string

	Logger  log.Logger
	Metrics Metrics
}

// NewFromAWS builds a Publisher on real AWS clients from the default
// credential chain.
func NewFromAWS(ctx context.Context, o AWSOptions) (*Publisher, error) {
	var loadOpts []func(*config.LoadOptions) error
	if o.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}

	opts := Options{
		Bucket:   o.Bucket,
		Prefix:   o.Prefix,
		SSMParam: o.SSMParam,
		S3:       s3.NewFromConfig(awsCfg),
		Logger:   o.Logger,
		Metrics:  o.Metrics,
	}
	if o.SSMParam != "" {
		opts.SSM = ssm.NewFromConfig(awsCfg)
	}
	if o.SigningKeyARN != "" {
		opts.Signer = cryptoutil.NewKMSSigner(kms.NewFromConfig(awsCfg), o.SigningKeyARN)
	}
	return New(opts)
}

// BundleKey returns the object key for a bundle hash.
func (p *Publisher) BundleKey(hash string) string {
	if p.opts.Prefix != "" {
		return fmt.Sprintf("%s/%s.tar.gz", p.opts.Prefix, hash)
	}
	return fmt.Sprintf("%s.tar.gz", hash)
}

// Publish bundles c and releases it. Steps run in order and the first
// failure stops the release; the pointer is never moved to a bundle that
// did not upload.
func (p *Publisher) Publish(ctx context.Context, c content.Catalog) (rel Release, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "publish.Publish", trace.WithAttributes(
		attribute.String("publish.bucket", p.opts.Bucket),
		attribute.Int("publish.entries", c.Len()),
	))
	defer func() {
		if p.opts.Metrics != nil {
			p.opts.Metrics.ObservePublish(time.Since(start), err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("publish.sha256", rel.SHA256))
		}
		span.End()
	}()

	data, hash, err := content.Bundle(c)
	if err != nil {
		return Release{}, xerrors.Wrap(err, "build bundle")
	}
	digest, err := cryptoutil.DecodeSHA256Hex(hash)
	if err != nil {
		return Release{}, xerrors.Wrap(err, "bundle digest")
	}

	rel = Release{
		SHA256:    hash,
		Size:      len(data),
		Entries:   c.Len(),
		Bucket:    p.opts.Bucket,
		BundleKey: p.BundleKey(hash),
	}
	span.AddEvent("bundle built", trace.WithAttributes(attribute.Int("publish.size", len(data))))

	// sign first: nothing is uploaded when the key is unusable
	var sig []byte
	if p.opts.Signer != nil {
		sig, err = p.opts.Signer.SignDigest(ctx, digest)
		if err != nil {
			return Release{}, xerrors.Wrap(err, "sign bundle")
		}
		if err := p.opts.Signer.VerifyDigest(ctx, digest, sig); err != nil {
			return Release{}, xerrors.Wrap(err, "verify bundle signature")
		}
		rel.SignatureKey = rel.BundleKey + ".sig"
		span.AddEvent("bundle signed")
	}

	if err := p.put(ctx, rel.BundleKey, data, "application/gzip", hash, digest); err != nil {
		return Release{}, err
	}
	p.logger.Info(ctx, "bundle uploaded",
		"bucket", p.opts.Bucket,
		"key", rel.BundleKey,
		"sha256", hash,
		"size", len(data),
	)

	if sig != nil {
		if err := p.put(ctx, rel.SignatureKey, sig, "application/octet-stream", hash, nil); err != nil {
			return Release{}, err
		}
		p.logger.Info(ctx, "signature uploaded",
			"key", rel.SignatureKey,
			"kms_key", p.opts.Signer.KeyARN(),
		)
	}

	if p.opts.SSMParam != "" {
		out, err := p.opts.SSM.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(p.opts.SSMParam),
			Value:     aws.String(hash),
			Type:      ssmtypes.ParameterTypeString,
			Overwrite: aws.Bool(true),
		})
		if err != nil {
			return Release{}, xerrors.Wrapf(err, "put SSM parameter %s", p.opts.SSMParam)
		}
		rel.SSMParam = p.opts.SSMParam
		rel.SSMVersion = out.Version
		p.logger.Info(ctx, "release pointer updated",
			"param", p.opts.SSMParam,
			"version", out.Version,
			"sha256", hash,
		)
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.SetBundle(hash, len(data))
	}
	return rel, nil
}

// put uploads body under key. When digest is set S3 verifies the payload
// against it.
func (p *Publisher) put(ctx context.Context, key string, body []byte, contentType, bundleHash string, digest []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"bundle-sha256": bundleHash},
	}
	if digest != nil {
		in.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(digest))
	}
	if _, err := p.opts.S3.PutObject(ctx, in); err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", p.opts.Bucket, key)
	}
	return nil
}
