package blob

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	blockListPrologue = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\r\n<BlockList>"
	blockListEpilogue = "</BlockList>"
)

// UploadPlan splits a payload into staged blocks.
type UploadPlan struct {
	Size          int64
	BlockSize     int64
	BlockCount    int
	LastBlockSize int64
}

// NewUploadPlan returns the plan for size bytes. An empty payload has no blocks.
func NewUploadPlan(size, blockSize int64, maxBlockCount int) (UploadPlan, error) {
	if size < 0 || blockSize <= 0 {
		return UploadPlan{}, fmt.Errorf("plan upload of %d bytes in %d byte blocks: %w", size, blockSize, ErrInvalidArg)
	}

	p := UploadPlan{Size: size, BlockSize: blockSize}
	if size == 0 {
		return p, nil
	}

	count := (size-1)/blockSize + 1
	if count > int64(maxBlockCount) {
		return UploadPlan{}, fmt.Errorf("%d bytes need %d blocks, the limit is %d: %w", size, count, maxBlockCount, ErrInvalidArg)
	}

	p.BlockCount = int(count)
	p.LastBlockSize = (size-1)%blockSize + 1
	return p, nil
}

// BlockRange returns the offset and length of the block at index.
func (p UploadPlan) BlockRange(index int) (int64, int64) {
	offset := int64(index) * p.BlockSize
	if index == p.BlockCount-1 {
		return offset, p.LastBlockSize
	}
	return offset, p.BlockSize
}

// BlockID returns the base64 encoded, zero padded decimal id of the block at index.
// Every id of a blob must have the same length, hence the padding.
func BlockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%06d", index)))
}

// BlockListXML returns the document that commits every block of the plan, in order.
func (p UploadPlan) BlockListXML() []byte {
	var sb strings.Builder
	sb.WriteString(blockListPrologue)
	for i := 0; i < p.BlockCount; i++ {
		sb.WriteString("<Latest>")
		sb.WriteString(BlockID(i))
		sb.WriteString("</Latest>")
	}
	sb.WriteString(blockListEpilogue)
	return []byte(sb.String())
}
