package snap

import (
	"github.com/cockroachdb/errors"

	"nyxkv/internal/utils"
)

func fileExists(path string) bool { return utils.FileExists(path) }

func removeIfExists(path string) error { return utils.RemoveIfExists(path) }

func writeFileSync(path string, data []byte) error { return utils.WriteFileSync(path, data) }

func linkOrCopy(src, dst string) error {
	if err := utils.LinkOrCopy(src, dst); err != nil {
		return errors.Wrapf(err, "snap: clone %s", src)
	}
	return nil
}

func calcSizeAndChecksum(path string) (uint64, uint32, error) {
	size, sum, err := utils.SizeAndCRC32(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "snap: checksum %s", path)
	}
	return size, sum, nil
}
