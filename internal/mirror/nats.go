// Package mirror provides the backup targets the vault is replicated to
// after every run. Mirrors are write-only from the pipeline's point of
// view: the on-disk vault remains the source of truth and mirrors exist so
// that expensive generated audio survives the loss of the primary disk.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSMirror replicates vault files into a NATS JetStream object store
// bucket.
type NATSMirror struct {
	bucket string
	store  nats.ObjectStore
}

// NewNATSMirror creates (or binds to) the named object store bucket.
func NewNATSMirror(jetstreamContext nats.JetStreamContext, bucketName string) (*NATSMirror, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Vault backup mirror (%s).", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf(
				"failed to create object store bucket '%s': %w", bucketName, err,
			)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to bind to existing object store bucket '%s': %w",
				bucketName, err,
			)
		}
	}

	return &NATSMirror{bucket: bucketName, store: store}, nil
}

// Name identifies the mirror in logs and sync reports.
func (m *NATSMirror) Name() string {
	return "nats:" + m.bucket
}

// Put stores one vault file under its root-relative key. Re-putting an
// existing key overwrites the mirror copy; the vault itself never rewrites
// candidate audio, so overwrites only occur for logs and manifests.
func (m *NATSMirror) Put(_ context.Context, key string, data []byte) error {
	_, err := m.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf(
			"failed to put object '%s' to bucket '%s': %w", key, m.bucket, err,
		)
	}

	return nil
}
