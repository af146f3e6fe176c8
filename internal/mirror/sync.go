package mirror

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-vault/internal/core"
)

// Sync replicates the given vault files, addressed by root-relative key, to
// every configured mirror. The read callback loads a key from the primary
// vault.
//
// A run is not considered finished until its artifacts exist on every
// mirror, so the first failed upload aborts the sync with an error naming
// the mirror and key.
func Sync(
	ctx context.Context,
	read func(key string) ([]byte, error),
	mirrors []core.Mirror,
	keys []string,
	log *logger.Logger,
) error {
	if len(mirrors) == 0 {
		return nil
	}

	for _, key := range keys {
		data, err := read(key)
		if err != nil {
			return fmt.Errorf("failed to read '%s' for mirroring: %w", key, err)
		}

		for _, m := range mirrors {
			err = m.Put(ctx, key, data)
			if err != nil {
				return fmt.Errorf("mirror %s: %w", m.Name(), err)
			}
		}
	}

	for _, m := range mirrors {
		log.Info("Mirrored %d files to %s", len(keys), m.Name())
	}

	return nil
}
