// Package archive uploads the reports of final periods to S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/state"
	"github.com/drand/tally/internal/tally"
)

// ReportSource reads period reports.
type ReportSource interface {
	Report(ctx context.Context, id uint32) (*tally.Report, error)
}

// Archiver uploads a report every time a period reaches a final state.
type Archiver struct {
	l      log.Logger
	upr    s3manageriface.UploaderAPI
	bucket string
	src    ReportSource

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession opens an AWS session in region and checks the credentials.
func NewSession(region string) (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("checking credentials: %w", err)
	}
	return sess, nil
}

// New returns an archiver uploading to bucket.
func New(l log.Logger, upr s3manageriface.UploaderAPI, bucket string, src ReportSource) *Archiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Archiver{
		l:      l.Named("archive"),
		upr:    upr,
		bucket: bucket,
		src:    src,
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewS3 returns an archiver over an s3manager uploader of sess.
func NewS3(l log.Logger, sess *session.Session, bucket string, src ReportSource) *Archiver {
	return New(l, s3manager.NewUploader(sess), bucket, src)
}

// Key returns the object key of the report of period id.
func Key(id uint32) string {
	return fmt.Sprintf("periods/%d", id)
}

// OnEvent uploads the report of the period e finalizes or fails. It does
// not block. Events arriving after Close are dropped.
func (a *Archiver) OnEvent(e *state.Event) {
	if e.Kind != state.PeriodFinalized && e.Kind != state.PeriodFailed {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.l.Warnw("archive closed, dropping report", "period", e.PeriodID)
		return
	}
	a.wg.Add(1)
	go func(id uint32) {
		defer a.wg.Done()
		url, err := a.Upload(a.ctx, id)
		if err != nil {
			a.l.Errorw("failed to upload report", "period", id, "err", err)
			return
		}
		a.l.Infow("uploaded report", "period", id, "location", url)
	}(e.PeriodID)
}

// Upload archives the report of period id and returns its location.
func (a *Archiver) Upload(ctx context.Context, id uint32) (string, error) {
	rep, err := a.src.Report(ctx, id)
	if err != nil {
		return "", err
	}
	if rep.FinalizedAt == 0 {
		return "", fmt.Errorf("period %d is %s: %w", id, rep.State, common.ErrNotFinalized)
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	r, err := a.upr.UploadWithContext(ctx, &s3manager.UploadInput{
		ACL:          aws.String("public-read"),
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(Key(id)),
		Body:         bytes.NewBuffer(data),
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String("public, max-age=604800, immutable"),
	})
	if err != nil {
		return "", err
	}
	return r.Location, nil
}

// Sync uploads the reports of the final periods in [from, to]. Periods that
// are unknown or still active are skipped.
func (a *Archiver) Sync(ctx context.Context, from, to uint32) (int, error) {
	var n int
	for i := uint64(from); i <= uint64(to); i++ {
		id := uint32(i)
		url, err := a.Upload(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			a.l.Warnw("skipping period", "period", id, "err", err)
			continue
		}
		n++
		a.l.Infow("uploaded report", "period", id, "location", url)
	}
	return n, nil
}

// Close abandons the uploads in flight and waits for them.
func (a *Archiver) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}
