// Copyright 2026 The MCU Update OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pldm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Firmware update command codes, Table 2, DSP0267 1.3.0.
const (
	CmdQueryDeviceIdentifiers = 0x01
	CmdGetFirmwareParameters  = 0x02
	CmdRequestUpdate          = 0x10
	CmdPassComponentTable     = 0x13
	CmdUpdateComponent        = 0x14
	CmdRequestFirmwareData    = 0x15
	CmdTransferComplete       = 0x16
	CmdVerifyComplete         = 0x17
	CmdApplyComplete          = 0x18
	CmdActivateFirmware       = 0x1a
	CmdGetStatus              = 0x1b
	CmdCancelUpdateComponent  = 0x1c
	CmdCancelUpdate           = 0x1d
)

// Firmware update completion codes, Table 10, DSP0267 1.3.0.
const (
	NotInUpdateMode                     = 0x80
	AlreadyInUpdateMode                 = 0x81
	DataOutOfRange                      = 0x82
	InvalidTransferLength               = 0x83
	InvalidStateForCommand              = 0x84
	IncompleteUpdate                    = 0x85
	BusyInBackground                    = 0x86
	CancelPending                       = 0x87
	CommandNotExpected                  = 0x88
	RetryRequestFwData                  = 0x89
	UnableToInitiateUpdate              = 0x8a
	ActivationNotRequired               = 0x8b
	SelfContainedActivationNotPermitted = 0x8c
	NoDeviceMetadata                    = 0x8d
	RetryRequestUpdate                  = 0x8e
	NoPackageData                       = 0x8f
	InvalidTransferHandle               = 0x90
	InvalidTransferOperationFlag        = 0x91
	ActivatePendingImageNotPermitted    = 0x92
	PackageDataError                    = 0x93
)

// Firmware device states, Table 26, DSP0267 1.3.0.
const (
	StateIdle = iota
	StateLearnComponents
	StateReadyXfer
	StateDownload
	StateVerify
	StateApply
	StateActivate
)

// TransferComplete result values.
const (
	TransferSuccess           = 0x00
	TransferErrorImageCorrupt = 0x02
	TransferTimeout           = 0x09
	TransferGenericError      = 0x0a
)

// VerifyComplete result values.
const (
	VerifySuccess        = 0x00
	VerifyFailure        = 0x01
	VerifyTimeout        = 0x09
	VerifyGenericError   = 0x0a
	VerifyStagingFailure = 0x70 // vendor defined range
)

// ApplyComplete result values.
const (
	ApplySuccess              = 0x00
	ApplySuccessWithActMethod = 0x01
	ApplyFailureMemoryIssue   = 0x02
	ApplyTimeout              = 0x09
	ApplyGenericError         = 0x0a
)

// PassComponentTable transfer flags.
const (
	TransferStart       = 0x01
	TransferMiddle      = 0x02
	TransferEnd         = 0x04
	TransferStartAndEnd = 0x05
)

// ComponentResponse codes for PassComponentTable/UpdateComponent.
const (
	ComponentCanBeUpdated             = 0x00
	ComponentComparisonStampIdentical = 0x01
	ComponentComparisonStampLower     = 0x02
	ComponentNotSupported             = 0x06
	ComponentVersionStringLower       = 0x0b
)

// Descriptor types, Table 8, DSP0267 1.3.0.
const (
	DescriptorPCIVendorID = 0x0000
	DescriptorIANA        = 0x0001
	DescriptorUUID        = 0x0002
)

// Version string type: ASCII.
const StringTypeASCII = 0x01

var errTruncated = errors.New("truncated payload")

// Descriptor is one firmware device descriptor.
type Descriptor struct {
	Type uint16
	Data []byte
}

// QueryDeviceIdentifiersResponse, clause 10.1, DSP0267 1.3.0.
type QueryDeviceIdentifiersResponse struct {
	CompletionCode uint8
	Descriptors    []Descriptor
}

func (r *QueryDeviceIdentifiersResponse) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(r.CompletionCode)

	var dl int
	for _, d := range r.Descriptors {
		dl += 4 + len(d.Data)
	}

	binary.Write(buf, binary.LittleEndian, uint32(dl))
	buf.WriteByte(uint8(len(r.Descriptors)))

	for _, d := range r.Descriptors {
		binary.Write(buf, binary.LittleEndian, d.Type)
		binary.Write(buf, binary.LittleEndian, uint16(len(d.Data)))
		buf.Write(d.Data)
	}

	return buf.Bytes()
}

func (r *QueryDeviceIdentifiersResponse) Decode(p []byte) error {
	if len(p) < 6 {
		return errTruncated
	}

	r.CompletionCode = p[0]
	count := p[5]
	p = p[6:]

	r.Descriptors = nil

	for i := 0; i < int(count); i++ {
		if len(p) < 4 {
			return errTruncated
		}

		d := Descriptor{Type: binary.LittleEndian.Uint16(p)}
		n := int(binary.LittleEndian.Uint16(p[2:]))
		p = p[4:]

		if len(p) < n {
			return errTruncated
		}

		d.Data = append([]byte{}, p[:n]...)
		p = p[n:]

		r.Descriptors = append(r.Descriptors, d)
	}

	return nil
}

// ComponentParameter is one ComponentParameterTable entry,
// Table 21, DSP0267 1.3.0.
type ComponentParameter struct {
	Classification           uint16
	Identifier               uint16
	ClassificationIndex      uint8
	ActiveComparisonStamp    uint32
	ActiveVersion            string
	ActiveReleaseDate        [8]byte
	PendingComparisonStamp   uint32
	PendingVersion           string
	PendingReleaseDate       [8]byte
	ActivationMethods        uint16
	CapabilitiesDuringUpdate uint32
}

func (c *ComponentParameter) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, c.Classification)
	binary.Write(buf, binary.LittleEndian, c.Identifier)
	buf.WriteByte(c.ClassificationIndex)
	binary.Write(buf, binary.LittleEndian, c.ActiveComparisonStamp)
	buf.WriteByte(StringTypeASCII)
	buf.WriteByte(uint8(len(c.ActiveVersion)))
	buf.Write(c.ActiveReleaseDate[:])
	binary.Write(buf, binary.LittleEndian, c.PendingComparisonStamp)
	buf.WriteByte(StringTypeASCII)
	buf.WriteByte(uint8(len(c.PendingVersion)))
	buf.Write(c.PendingReleaseDate[:])
	binary.Write(buf, binary.LittleEndian, c.ActivationMethods)
	binary.Write(buf, binary.LittleEndian, c.CapabilitiesDuringUpdate)
	buf.WriteString(c.ActiveVersion)
	buf.WriteString(c.PendingVersion)
}

func (c *ComponentParameter) decode(p []byte) (rest []byte, err error) {
	if len(p) < 39 {
		return nil, errTruncated
	}

	c.Classification = binary.LittleEndian.Uint16(p)
	c.Identifier = binary.LittleEndian.Uint16(p[2:])
	c.ClassificationIndex = p[4]
	c.ActiveComparisonStamp = binary.LittleEndian.Uint32(p[5:])
	activeLen := int(p[10])
	copy(c.ActiveReleaseDate[:], p[11:19])
	c.PendingComparisonStamp = binary.LittleEndian.Uint32(p[19:])
	pendingLen := int(p[24])
	copy(c.PendingReleaseDate[:], p[25:33])
	c.ActivationMethods = binary.LittleEndian.Uint16(p[33:])
	c.CapabilitiesDuringUpdate = binary.LittleEndian.Uint32(p[35:])

	p = p[39:]

	if len(p) < activeLen+pendingLen {
		return nil, errTruncated
	}

	c.ActiveVersion = string(p[:activeLen])
	c.PendingVersion = string(p[activeLen : activeLen+pendingLen])

	return p[activeLen+pendingLen:], nil
}

// GetFirmwareParametersResponse, clause 10.2, DSP0267 1.3.0.
type GetFirmwareParametersResponse struct {
	CompletionCode           uint8
	CapabilitiesDuringUpdate uint32
	ActiveImageSetVersion    string
	PendingImageSetVersion   string
	Components               []ComponentParameter
}

func (r *GetFirmwareParametersResponse) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(r.CompletionCode)
	binary.Write(buf, binary.LittleEndian, r.CapabilitiesDuringUpdate)
	binary.Write(buf, binary.LittleEndian, uint16(len(r.Components)))
	buf.WriteByte(StringTypeASCII)
	buf.WriteByte(uint8(len(r.ActiveImageSetVersion)))
	buf.WriteByte(StringTypeASCII)
	buf.WriteByte(uint8(len(r.PendingImageSetVersion)))
	buf.WriteString(r.ActiveImageSetVersion)
	buf.WriteString(r.PendingImageSetVersion)

	for i := range r.Components {
		r.Components[i].encode(buf)
	}

	return buf.Bytes()
}

func (r *GetFirmwareParametersResponse) Decode(p []byte) error {
	if len(p) < 11 {
		return errTruncated
	}

	r.CompletionCode = p[0]
	r.CapabilitiesDuringUpdate = binary.LittleEndian.Uint32(p[1:])
	count := int(binary.LittleEndian.Uint16(p[5:]))
	activeLen := int(p[8])
	pendingLen := int(p[10])
	p = p[11:]

	if len(p) < activeLen+pendingLen {
		return errTruncated
	}

	r.ActiveImageSetVersion = string(p[:activeLen])
	r.PendingImageSetVersion = string(p[activeLen : activeLen+pendingLen])
	p = p[activeLen+pendingLen:]

	r.Components = make([]ComponentParameter, count)

	var err error
	for i := 0; i < count; i++ {
		if p, err = r.Components[i].decode(p); err != nil {
			return err
		}
	}

	return nil
}

// RequestUpdateRequest, clause 11.1, DSP0267 1.3.0.
type RequestUpdateRequest struct {
	MaxTransferSize         uint32
	ComponentCount          uint16
	MaxOutstandingTransfers uint8
	PackageDataLength       uint16
	ImageSetVersion         string
}

func (r *RequestUpdateRequest) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, r.MaxTransferSize)
	binary.Write(buf, binary.LittleEndian, r.ComponentCount)
	buf.WriteByte(r.MaxOutstandingTransfers)
	binary.Write(buf, binary.LittleEndian, r.PackageDataLength)
	buf.WriteByte(StringTypeASCII)
	buf.WriteByte(uint8(len(r.ImageSetVersion)))
	buf.WriteString(r.ImageSetVersion)
	return buf.Bytes()
}

func (r *RequestUpdateRequest) Decode(p []byte) error {
	if len(p) < 11 {
		return errTruncated
	}

	r.MaxTransferSize = binary.LittleEndian.Uint32(p)
	r.ComponentCount = binary.LittleEndian.Uint16(p[4:])
	r.MaxOutstandingTransfers = p[6]
	r.PackageDataLength = binary.LittleEndian.Uint16(p[7:])
	n := int(p[10])

	if len(p) < 11+n {
		return errTruncated
	}

	r.ImageSetVersion = string(p[11 : 11+n])

	return nil
}

// RequestUpdateResponse, clause 11.1, DSP0267 1.3.0.
type RequestUpdateResponse struct {
	CompletionCode    uint8
	FDMetaDataLength  uint16
	FDWillSendPkgData uint8
}

func (r *RequestUpdateResponse) Encode() []byte {
	buf := make([]byte, 4)
	buf[0] = r.CompletionCode
	binary.LittleEndian.PutUint16(buf[1:], r.FDMetaDataLength)
	buf[3] = r.FDWillSendPkgData
	return buf
}

func (r *RequestUpdateResponse) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.CompletionCode = p[0]

	if r.CompletionCode != Success {
		return nil
	}

	if len(p) < 4 {
		return errTruncated
	}

	r.FDMetaDataLength = binary.LittleEndian.Uint16(p[1:])
	r.FDWillSendPkgData = p[3]

	return nil
}

// PassComponentTableRequest, clause 11.2, DSP0267 1.3.0.
type PassComponentTableRequest struct {
	TransferFlag        uint8
	Classification      uint16
	Identifier          uint16
	ClassificationIndex uint8
	ComparisonStamp     uint32
	Version             string
}

func (r *PassComponentTableRequest) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(r.TransferFlag)
	binary.Write(buf, binary.LittleEndian, r.Classification)
	binary.Write(buf, binary.LittleEndian, r.Identifier)
	buf.WriteByte(r.ClassificationIndex)
	binary.Write(buf, binary.LittleEndian, r.ComparisonStamp)
	buf.WriteByte(StringTypeASCII)
	buf.WriteByte(uint8(len(r.Version)))
	buf.WriteString(r.Version)
	return buf.Bytes()
}

func (r *PassComponentTableRequest) Decode(p []byte) error {
	if len(p) < 12 {
		return errTruncated
	}

	r.TransferFlag = p[0]
	r.Classification = binary.LittleEndian.Uint16(p[1:])
	r.Identifier = binary.LittleEndian.Uint16(p[3:])
	r.ClassificationIndex = p[5]
	r.ComparisonStamp = binary.LittleEndian.Uint32(p[6:])
	n := int(p[11])

	if len(p) < 12+n {
		return errTruncated
	}

	r.Version = string(p[12 : 12+n])

	return nil
}

// ComponentResponse is the common response shape of PassComponentTable.
type ComponentResponse struct {
	CompletionCode uint8
	Response       uint8
	ResponseCode   uint8
}

func (r *ComponentResponse) Encode() []byte {
	return []byte{r.CompletionCode, r.Response, r.ResponseCode}
}

func (r *ComponentResponse) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.CompletionCode = p[0]

	if r.CompletionCode != Success {
		return nil
	}

	if len(p) < 3 {
		return errTruncated
	}

	r.Response = p[1]
	r.ResponseCode = p[2]

	return nil
}

// UpdateComponentRequest, clause 11.3, DSP0267 1.3.0.
type UpdateComponentRequest struct {
	Classification      uint16
	Identifier          uint16
	ClassificationIndex uint8
	ComparisonStamp     uint32
	ImageSize           uint32
	UpdateOptionFlags   uint32
	Version             string
}

func (r *UpdateComponentRequest) Encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, r.Classification)
	binary.Write(buf, binary.LittleEndian, r.Identifier)
	buf.WriteByte(r.ClassificationIndex)
	binary.Write(buf, binary.LittleEndian, r.ComparisonStamp)
	binary.Write(buf, binary.LittleEndian, r.ImageSize)
	binary.Write(buf, binary.LittleEndian, r.UpdateOptionFlags)
	buf.WriteByte(StringTypeASCII)
	buf.WriteByte(uint8(len(r.Version)))
	buf.WriteString(r.Version)
	return buf.Bytes()
}

func (r *UpdateComponentRequest) Decode(p []byte) error {
	if len(p) < 19 {
		return errTruncated
	}

	r.Classification = binary.LittleEndian.Uint16(p)
	r.Identifier = binary.LittleEndian.Uint16(p[2:])
	r.ClassificationIndex = p[4]
	r.ComparisonStamp = binary.LittleEndian.Uint32(p[5:])
	r.ImageSize = binary.LittleEndian.Uint32(p[9:])
	r.UpdateOptionFlags = binary.LittleEndian.Uint32(p[13:])
	n := int(p[18])

	if len(p) < 19+n {
		return errTruncated
	}

	r.Version = string(p[19 : 19+n])

	return nil
}

// UpdateComponentResponse, clause 11.3, DSP0267 1.3.0.
type UpdateComponentResponse struct {
	CompletionCode            uint8
	CompatibilityResponse     uint8
	CompatibilityResponseCode uint8
	UpdateOptionFlagsEnabled  uint32
	TimeBeforeRequestFWData   uint16
}

func (r *UpdateComponentResponse) Encode() []byte {
	buf := make([]byte, 9)
	buf[0] = r.CompletionCode
	buf[1] = r.CompatibilityResponse
	buf[2] = r.CompatibilityResponseCode
	binary.LittleEndian.PutUint32(buf[3:], r.UpdateOptionFlagsEnabled)
	binary.LittleEndian.PutUint16(buf[7:], r.TimeBeforeRequestFWData)
	return buf
}

func (r *UpdateComponentResponse) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.CompletionCode = p[0]

	if r.CompletionCode != Success {
		return nil
	}

	if len(p) < 9 {
		return errTruncated
	}

	r.CompatibilityResponse = p[1]
	r.CompatibilityResponseCode = p[2]
	r.UpdateOptionFlagsEnabled = binary.LittleEndian.Uint32(p[3:])
	r.TimeBeforeRequestFWData = binary.LittleEndian.Uint16(p[7:])

	return nil
}

// RequestFirmwareDataRequest, clause 12.1, DSP0267 1.3.0. Sent by the
// firmware device to the Update Agent.
type RequestFirmwareDataRequest struct {
	Offset uint32
	Length uint32
}

func (r *RequestFirmwareDataRequest) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, r.Offset)
	binary.LittleEndian.PutUint32(buf[4:], r.Length)
	return buf
}

func (r *RequestFirmwareDataRequest) Decode(p []byte) error {
	if len(p) < 8 {
		return errTruncated
	}

	r.Offset = binary.LittleEndian.Uint32(p)
	r.Length = binary.LittleEndian.Uint32(p[4:])

	return nil
}

// RequestFirmwareDataResponse carries the requested image portion.
type RequestFirmwareDataResponse struct {
	CompletionCode uint8
	Data           []byte
}

func (r *RequestFirmwareDataResponse) Encode() []byte {
	buf := make([]byte, 1+len(r.Data))
	buf[0] = r.CompletionCode
	copy(buf[1:], r.Data)
	return buf
}

func (r *RequestFirmwareDataResponse) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.CompletionCode = p[0]
	r.Data = p[1:]

	return nil
}

// ResultRequest is the common shape of TransferComplete and VerifyComplete
// requests (a single result byte), sent by the firmware device.
type ResultRequest struct {
	Result uint8
}

func (r *ResultRequest) Encode() []byte {
	return []byte{r.Result}
}

func (r *ResultRequest) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.Result = p[0]

	return nil
}

// ApplyCompleteRequest, clause 13.3, DSP0267 1.3.0.
type ApplyCompleteRequest struct {
	Result                        uint8
	ActivationMethodsModification uint16
}

func (r *ApplyCompleteRequest) Encode() []byte {
	buf := make([]byte, 3)
	buf[0] = r.Result
	binary.LittleEndian.PutUint16(buf[1:], r.ActivationMethodsModification)
	return buf
}

func (r *ApplyCompleteRequest) Decode(p []byte) error {
	if len(p) < 3 {
		return errTruncated
	}

	r.Result = p[0]
	r.ActivationMethodsModification = binary.LittleEndian.Uint16(p[1:])

	return nil
}

// ActivateFirmwareRequest, clause 14.1, DSP0267 1.3.0.
type ActivateFirmwareRequest struct {
	SelfContainedActivation uint8
}

func (r *ActivateFirmwareRequest) Encode() []byte {
	return []byte{r.SelfContainedActivation}
}

func (r *ActivateFirmwareRequest) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.SelfContainedActivation = p[0]

	return nil
}

// ActivateFirmwareResponse, clause 14.1, DSP0267 1.3.0.
type ActivateFirmwareResponse struct {
	CompletionCode             uint8
	EstimatedTimeForActivation uint16
}

func (r *ActivateFirmwareResponse) Encode() []byte {
	buf := make([]byte, 3)
	buf[0] = r.CompletionCode
	binary.LittleEndian.PutUint16(buf[1:], r.EstimatedTimeForActivation)
	return buf
}

func (r *ActivateFirmwareResponse) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.CompletionCode = p[0]

	if r.CompletionCode != Success {
		return nil
	}

	if len(p) < 3 {
		return errTruncated
	}

	r.EstimatedTimeForActivation = binary.LittleEndian.Uint16(p[1:])

	return nil
}

// GetStatusResponse, clause 14.2, DSP0267 1.3.0.
type GetStatusResponse struct {
	CompletionCode           uint8
	CurrentState             uint8
	PreviousState            uint8
	AuxState                 uint8
	AuxStateStatus           uint8
	ProgressPercent          uint8
	ReasonCode               uint8
	UpdateOptionFlagsEnabled uint32
}

func (r *GetStatusResponse) Encode() []byte {
	buf := make([]byte, 11)
	buf[0] = r.CompletionCode
	buf[1] = r.CurrentState
	buf[2] = r.PreviousState
	buf[3] = r.AuxState
	buf[4] = r.AuxStateStatus
	buf[5] = r.ProgressPercent
	buf[6] = r.ReasonCode
	binary.LittleEndian.PutUint32(buf[7:], r.UpdateOptionFlagsEnabled)
	return buf
}

func (r *GetStatusResponse) Decode(p []byte) error {
	if len(p) < 11 {
		return errTruncated
	}

	r.CompletionCode = p[0]
	r.CurrentState = p[1]
	r.PreviousState = p[2]
	r.AuxState = p[3]
	r.AuxStateStatus = p[4]
	r.ProgressPercent = p[5]
	r.ReasonCode = p[6]
	r.UpdateOptionFlagsEnabled = binary.LittleEndian.Uint32(p[7:])

	return nil
}

// CancelUpdateResponse, clause 14.4, DSP0267 1.3.0.
type CancelUpdateResponse struct {
	CompletionCode                    uint8
	NonFunctioningComponentIndication uint8
	NonFunctioningComponentBitmap     uint64
}

func (r *CancelUpdateResponse) Encode() []byte {
	buf := make([]byte, 10)
	buf[0] = r.CompletionCode
	buf[1] = r.NonFunctioningComponentIndication
	binary.LittleEndian.PutUint64(buf[2:], r.NonFunctioningComponentBitmap)
	return buf
}

func (r *CancelUpdateResponse) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.CompletionCode = p[0]

	if r.CompletionCode != Success {
		return nil
	}

	if len(p) < 10 {
		return errTruncated
	}

	r.NonFunctioningComponentIndication = p[1]
	r.NonFunctioningComponentBitmap = binary.LittleEndian.Uint64(p[2:])

	return nil
}

// CompletionOnly is the response shape for commands which answer with a
// bare completion code.
type CompletionOnly struct {
	CompletionCode uint8
}

func (r *CompletionOnly) Encode() []byte {
	return []byte{r.CompletionCode}
}

func (r *CompletionOnly) Decode(p []byte) error {
	if len(p) < 1 {
		return errTruncated
	}

	r.CompletionCode = p[0]

	return nil
}

// StateName returns the DSP0267 name for a firmware device state.
func StateName(s uint8) string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLearnComponents:
		return "LEARN COMPONENTS"
	case StateReadyXfer:
		return "READY XFER"
	case StateDownload:
		return "DOWNLOAD"
	case StateVerify:
		return "VERIFY"
	case StateApply:
		return "APPLY"
	case StateActivate:
		return "ACTIVATE"
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}
