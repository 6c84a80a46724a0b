package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/srg/bandsync/internal/device"
)

// Page frame layout (little-endian):
//
//	[0]     capability code
//	[1]     flags: bit0 end-of-data, bit1 has-more-data
//	[2]     record count
//	[3:5]   payload length
//	[5:11]  block time (BCD)
//	[11:n]  count fixed-width records
//	[n]     checksum trailer
const (
	PageHeaderSize = 5 + BCDTimeSize
	MaxPageRecords = 255
	flagEndOfData  = 1 << 0
	flagHasMore    = 1 << 1
)

// RequestSize is the size of a page request frame
const RequestSize = 2 + 2*BCDTimeSize + 1

// OpRequestPage is the only control-point opcode the engine writes
const OpRequestPage byte = 0x01

// Page is one decoded history response frame
type Page struct {
	Code        byte      `json:"code"`
	EndOfData   bool      `json:"end_of_data"`
	HasMoreData bool      `json:"has_more_data"`
	BlockTime   time.Time `json:"block_time"`
	Records     []Record  `json:"records"`
}

// Last reports whether no further page should be requested
func (p *Page) Last() bool {
	return p.EndOfData || !p.HasMoreData
}

// FrameLength returns the total frame length announced by a page header,
// or 0 when the header is incomplete.
func FrameLength(header []byte) int {
	if len(header) < PageHeaderSize {
		return 0
	}
	return PageHeaderSize + int(binary.LittleEndian.Uint16(header[3:5])) + 1
}

// DecodePage validates the trailer and decodes every record of a page frame.
// Nothing is returned for a frame that fails any check.
func DecodePage(frame []byte, loc *time.Location) (*Page, error) {
	if len(frame) < PageHeaderSize+1 {
		return nil, protocolErrorf("page frame too short: %d bytes", len(frame))
	}
	if err := VerifyTrailer(frame); err != nil {
		return nil, err
	}

	code, flags, count := frame[0], frame[1], int(frame[2])
	size, ok := RecordSize(code)
	if !ok {
		return nil, protocolErrorf("unknown capability code 0x%02X", code)
	}
	payloadLen := int(binary.LittleEndian.Uint16(frame[3:5]))
	if payloadLen != count*size {
		return nil, protocolErrorf("payload length %d does not match %d records of %d bytes", payloadLen, count, size)
	}
	if len(frame) != PageHeaderSize+payloadLen+1 {
		return nil, protocolErrorf("page frame is %d bytes, header announces %d", len(frame), PageHeaderSize+payloadLen+1)
	}

	blockTime, err := DecodeBCDTime(frame[5:PageHeaderSize], loc)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Code:        code,
		EndOfData:   flags&flagEndOfData != 0,
		HasMoreData: flags&flagHasMore != 0,
		BlockTime:   blockTime,
		Records:     make([]Record, 0, count),
	}
	for i := 0; i < count; i++ {
		off := PageHeaderSize + i*size
		rec, err := decodeRecord(code, frame[off:off+size], off, loc)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// EncodePage builds a page frame. Records whose variant does not match the page code are skipped.
func EncodePage(p *Page) ([]byte, error) {
	size, _ := RecordSize(p.Code)
	records := make([]Record, 0, len(p.Records))
	for _, r := range p.Records {
		if recordCode(r) != p.Code {
			continue
		}
		if err := ValidateBCDTime(r.Header().Time); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if len(records) > MaxPageRecords {
		return nil, &device.Error{Kind: device.KindConfiguration, Op: "encode", Msg: fmt.Sprintf("page holds %d records, at most %d fit", len(records), MaxPageRecords)}
	}
	if err := ValidateBCDTime(p.BlockTime); err != nil {
		return nil, err
	}

	var flags byte
	if p.EndOfData {
		flags |= flagEndOfData
	}
	if p.HasMoreData {
		flags |= flagHasMore
	}

	out := make([]byte, 0, PageHeaderSize+len(records)*size+1)
	out = append(out, p.Code, flags, byte(len(records)))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(records)*size))
	bt := EncodeBCDTime(p.BlockTime)
	out = append(out, bt[:]...)
	for _, r := range records {
		out = appendRecord(out, r)
	}
	return AppendChecksum(out), nil
}

// PageRequest asks the band for the next page after the given watermark times
type PageRequest struct {
	Code        byte
	NewestBlock time.Time
	NewestEntry time.Time
}

// EncodeRequest builds the frame written to a capability's control characteristic.
// Zero times encode as zero bytes, meaning "from the beginning".
func EncodeRequest(r PageRequest) ([]byte, error) {
	if err := ValidateBCDTime(r.NewestBlock); err != nil {
		return nil, err
	}
	if err := ValidateBCDTime(r.NewestEntry); err != nil {
		return nil, err
	}
	out := make([]byte, 0, RequestSize)
	out = append(out, OpRequestPage, r.Code)
	block := EncodeBCDTime(r.NewestBlock)
	entry := EncodeBCDTime(r.NewestEntry)
	out = append(out, block[:]...)
	out = append(out, entry[:]...)
	return AppendChecksum(out), nil
}

// DecodeRequest parses a page request frame
func DecodeRequest(frame []byte, loc *time.Location) (PageRequest, error) {
	if len(frame) != RequestSize {
		return PageRequest{}, protocolErrorf("request frame is %d bytes, want %d", len(frame), RequestSize)
	}
	if err := VerifyTrailer(frame); err != nil {
		return PageRequest{}, err
	}
	if frame[0] != OpRequestPage {
		return PageRequest{}, protocolErrorf("unknown opcode 0x%02X", frame[0])
	}
	block, err := DecodeBCDTime(frame[2:2+BCDTimeSize], loc)
	if err != nil {
		return PageRequest{}, err
	}
	entry, err := DecodeBCDTime(frame[2+BCDTimeSize:2+2*BCDTimeSize], loc)
	if err != nil {
		return PageRequest{}, err
	}
	return PageRequest{Code: frame[1], NewestBlock: block, NewestEntry: entry}, nil
}
