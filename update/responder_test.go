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

package update

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/note"

	"github.com/chipsalliance/mcu-update-os/api"
	"github.com/chipsalliance/mcu-update-os/internal/softrot"
	"github.com/chipsalliance/mcu-update-os/manifest"
	"github.com/chipsalliance/mcu-update-os/mbox"
	"github.com/chipsalliance/mcu-update-os/partition"
	"github.com/chipsalliance/mcu-update-os/pldm"
	"github.com/chipsalliance/mcu-update-os/staging"
	"github.com/chipsalliance/mcu-update-os/verify"
)

const waitFor = 5 * time.Second

// pipeTransport is an in-memory Transport, driven from the test as the
// Update Agent.
type pipeTransport struct {
	toDevice   chan pldm.Message
	fromDevice chan pldm.Message
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		toDevice:   make(chan pldm.Message, 64),
		fromDevice: make(chan pldm.Message, 64),
	}
}

func (p *pipeTransport) Recv(timeout time.Duration) (pldm.Message, error) {
	if timeout == 0 {
		m, ok := <-p.toDevice

		if !ok {
			return pldm.Message{}, io.EOF
		}

		return m, nil
	}

	select {
	case m, ok := <-p.toDevice:
		if !ok {
			return pldm.Message{}, io.EOF
		}

		return m, nil
	case <-time.After(timeout):
		return pldm.Message{}, pldm.ErrTimeout
	}
}

func (p *pipeTransport) Send(m pldm.Message) error {
	p.fromDevice <- m
	return nil
}

// memFlash emulates the flash device for the partition manager.
type memFlash struct {
	buf []byte
}

func (f *memFlash) Read(offset int64, size int64) ([]byte, error) {
	out := make([]byte, size)
	copy(out, f.buf[offset:offset+size])
	return out, nil
}

func (f *memFlash) Write(offset int64, data []byte) error {
	copy(f.buf[offset:], data)
	return nil
}

var (
	imageFMC = []byte("caliptra fmc+rt firmware image bytes")
	imageRT  = []byte("mcu rt firmware image bytes")
)

// engine bundles a running responder with its capabilities and the
// agent-side driver state.
type engine struct {
	t *testing.T

	pipe       *pipeTransport
	responder  *Responder
	partitions *partition.Manager
	rot        *softrot.RoT
	envelope   []byte

	instance uint8
	errCh    chan error
}

func testGeometry() partition.Geometry {
	return partition.Geometry{
		TableOffset: 0,
		ImageOffset: [2]int64{1024, 8192},
		ImageSize:   7168,
	}
}

func newEngine(t *testing.T, handlers Handlers, cfg Config) *engine {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, "vendor")
	require.NoError(t, err)

	signer, err := note.NewSigner(skey)
	require.NoError(t, err)

	verifier, err := note.NewVerifier(vkey)
	require.NoError(t, err)

	m := &manifest.Manifest{
		FirmwareDeviceID: "mcu-subsystem",
		ImageSetVersion:  "2.0.0",
		SecurityVersion:  2,
		Components: []manifest.Component{
			{
				Name:            "caliptra-fmc-rt",
				Classification:  manifest.ClassificationFirmware,
				Identifier:      manifest.IdentifierCaliptraFMCRT,
				ComparisonStamp: 2,
				Version:         "2.0.0",
				Size:            uint32(len(imageFMC)),
				SHA384:          hex.EncodeToString(manifest.DigestImage(imageFMC)),
			},
			{
				Name:            "mcu-rt",
				Classification:  manifest.ClassificationFirmware,
				Identifier:      manifest.IdentifierMCURT,
				ComparisonStamp: 2,
				Version:         "2.0.0",
				Size:            uint32(len(imageRT)),
				SHA384:          hex.EncodeToString(manifest.DigestImage(imageRT)),
			},
		},
	}

	envelope, err := manifest.Sign(m, signer)
	require.NoError(t, err)

	rot, err := softrot.New([]byte("secret"), &softrot.MemStorage{}, verifier)
	require.NoError(t, err)

	engineSide, deviceSide := net.Pipe()

	go rot.Serve(deviceSide)

	t.Cleanup(func() {
		engineSide.Close()
		deviceSide.Close()
	})

	flash := &memFlash{buf: make([]byte, 16384)}
	require.NoError(t, partition.Format(flash, testGeometry(), partition.A))

	partitions, err := partition.NewManager(flash, testGeometry())
	require.NoError(t, err)

	channel := mbox.NewConn(engineSide)
	mem := staging.NewMemory(8192, 0x80000000)
	handler := NewDefaultHandler(mem, verify.New(channel), partitions, channel)

	info := DeviceInfo{
		Serial:          "AW001",
		ImageSetVersion: "1.0.0",
		Components: []pldm.ComponentParameter{
			{Identifier: manifest.IdentifierCaliptraFMCRT, ActiveComparisonStamp: 1, ActiveVersion: "1.0.0"},
			{Identifier: manifest.IdentifierSoCManifest, ActiveComparisonStamp: 1, ActiveVersion: "1.0.0"},
			{Identifier: manifest.IdentifierMCURT, ActiveComparisonStamp: 1, ActiveVersion: "1.0.0"},
		},
	}
	copy(info.UUID[:], []byte("0123456789abcdef"))

	pipe := newPipeTransport()
	r := NewResponder(pipe, handlers, handler, partitions, info, cfg)

	e := &engine{
		t:          t,
		pipe:       pipe,
		responder:  r,
		partitions: partitions,
		rot:        rot,
		envelope:   envelope,
		errCh:      make(chan error, 1),
	}

	go func() {
		e.errCh <- r.Start(context.Background())
	}()

	return e
}

// next returns the next device message.
func (e *engine) next() pldm.Message {
	e.t.Helper()

	select {
	case m := <-e.pipe.fromDevice:
		return m
	case <-time.After(waitFor):
		e.t.Fatal("timed out waiting for a device message")
		return pldm.Message{}
	}
}

// exec issues one agent request and returns its response, failing on any
// interleaved device-initiated request.
func (e *engine) exec(cmd uint8, payload []byte) pldm.Message {
	e.t.Helper()

	e.instance = (e.instance + 1) & 0x1f
	e.pipe.toDevice <- pldm.Request(e.instance, cmd, payload)

	m := e.next()

	if m.Request || m.Command != cmd {
		e.t.Fatalf("expected response to %#x, got command %#x (request %v)", cmd, m.Command, m.Request)
	}

	return m
}

func (e *engine) completion(m pldm.Message) uint8 {
	e.t.Helper()

	cc, err := m.CompletionCode()
	require.NoError(e.t, err)

	return cc
}

func (e *engine) requestUpdate(count uint16) uint8 {
	req := pldm.RequestUpdateRequest{
		MaxTransferSize: 4096,
		ComponentCount:  count,
		ImageSetVersion: "2.0.0",
	}

	return e.completion(e.exec(pldm.CmdRequestUpdate, req.Encode()))
}

func (e *engine) passComponent(identifier uint16, stamp uint32, flag uint8) pldm.ComponentResponse {
	req := pldm.PassComponentTableRequest{
		TransferFlag:    flag,
		Classification:  manifest.ClassificationFirmware,
		Identifier:      identifier,
		ComparisonStamp: stamp,
		Version:         "2.0.0",
	}

	res := pldm.ComponentResponse{}
	require.NoError(e.t, res.Decode(e.exec(pldm.CmdPassComponentTable, req.Encode()).Payload))

	return res
}

func (e *engine) updateComponent(identifier uint16, size uint32) pldm.UpdateComponentResponse {
	req := pldm.UpdateComponentRequest{
		Classification:  manifest.ClassificationFirmware,
		Identifier:      identifier,
		ComparisonStamp: 2,
		ImageSize:       size,
		Version:         "2.0.0",
	}

	res := pldm.UpdateComponentResponse{}
	require.NoError(e.t, res.Decode(e.exec(pldm.CmdUpdateComponent, req.Encode()).Payload))

	return res
}

// transferResults records the device's result notifications for one
// component transfer.
type transferResults struct {
	transferComplete bool
	transfer         uint8
	verifyComplete   bool
	verify           uint8
	applyComplete    bool
	apply            uint8
}

// serveTransfer answers the device's download loop for one component,
// returning once ApplyComplete arrives or the device stops initiating.
func (e *engine) serveTransfer(image []byte) (res transferResults) {
	e.t.Helper()

	for {
		var m pldm.Message

		select {
		case m = <-e.pipe.fromDevice:
		case <-time.After(500 * time.Millisecond):
			// the device gave up on this component
			return
		}

		require.True(e.t, m.Request, "expected a device-initiated request")

		switch m.Command {
		case pldm.CmdRequestFirmwareData:
			req := pldm.RequestFirmwareDataRequest{}
			require.NoError(e.t, req.Decode(m.Payload))

			data := pldm.RequestFirmwareDataResponse{
				CompletionCode: pldm.Success,
				Data:           image[req.Offset : req.Offset+req.Length],
			}
			e.pipe.toDevice <- m.Response(data.Encode())
		case pldm.CmdTransferComplete:
			req := pldm.ResultRequest{}
			require.NoError(e.t, req.Decode(m.Payload))

			res.transferComplete = true
			res.transfer = req.Result

			ack := pldm.CompletionOnly{CompletionCode: pldm.Success}
			e.pipe.toDevice <- m.Response(ack.Encode())
		case pldm.CmdVerifyComplete:
			req := pldm.ResultRequest{}
			require.NoError(e.t, req.Decode(m.Payload))

			res.verifyComplete = true
			res.verify = req.Result

			ack := pldm.CompletionOnly{CompletionCode: pldm.Success}
			e.pipe.toDevice <- m.Response(ack.Encode())

			if res.verify != pldm.VerifySuccess {
				return
			}
		case pldm.CmdApplyComplete:
			req := pldm.ApplyCompleteRequest{}
			require.NoError(e.t, req.Decode(m.Payload))

			res.applyComplete = true
			res.apply = req.Result

			ack := pldm.CompletionOnly{CompletionCode: pldm.Success}
			e.pipe.toDevice <- m.Response(ack.Encode())

			return
		default:
			e.t.Fatalf("unexpected device command %#x", m.Command)
		}
	}
}

func (e *engine) deliverComponent(identifier uint16, image []byte) {
	e.t.Helper()

	res := e.updateComponent(identifier, uint32(len(image)))
	require.Equal(e.t, uint8(pldm.Success), res.CompletionCode)
	require.Equal(e.t, uint8(0), res.CompatibilityResponse)

	tr := e.serveTransfer(image)
	require.True(e.t, tr.applyComplete, "component %#x did not apply", identifier)
	require.Equal(e.t, uint8(pldm.ApplySuccess), tr.apply)

	// the status round trip fences the apply step: the device answers
	// only after its partition bookkeeping for the component is done
	require.Equal(e.t, uint8(pldm.StateReadyXfer), e.getStatus().CurrentState)
}

func (e *engine) getStatus() pldm.GetStatusResponse {
	e.t.Helper()

	res := pldm.GetStatusResponse{}
	require.NoError(e.t, res.Decode(e.exec(pldm.CmdGetStatus, nil).Payload))

	return res
}

// finish closes the agent side and collects Start's return.
func (e *engine) finish() error {
	e.t.Helper()

	close(e.pipe.toDevice)

	select {
	case err := <-e.errCh:
		return err
	case <-time.After(waitFor):
		e.t.Fatal("responder did not stop")
		return nil
	}
}

func TestFullUpdateSession(t *testing.T) {
	e := newEngine(t, Handlers{}, Config{})

	ids := pldm.QueryDeviceIdentifiersResponse{}
	require.NoError(t, ids.Decode(e.exec(pldm.CmdQueryDeviceIdentifiers, nil).Payload))
	require.Len(t, ids.Descriptors, 1)
	assert.Equal(t, uint16(pldm.DescriptorUUID), ids.Descriptors[0].Type)

	params := pldm.GetFirmwareParametersResponse{}
	require.NoError(t, params.Decode(e.exec(pldm.CmdGetFirmwareParameters, nil).Payload))
	assert.Equal(t, "1.0.0", params.ActiveImageSetVersion)
	assert.Len(t, params.Components, 3)

	require.Equal(t, uint8(pldm.Success), e.requestUpdate(3))

	res := e.passComponent(manifest.IdentifierSoCManifest, 2, pldm.TransferStart)
	require.Equal(t, uint8(0), res.Response)
	res = e.passComponent(manifest.IdentifierCaliptraFMCRT, 2, pldm.TransferMiddle)
	require.Equal(t, uint8(0), res.Response)
	res = e.passComponent(manifest.IdentifierMCURT, 2, pldm.TransferEnd)
	require.Equal(t, uint8(0), res.Response)

	e.deliverComponent(manifest.IdentifierSoCManifest, e.envelope)
	e.deliverComponent(manifest.IdentifierCaliptraFMCRT, imageFMC)
	e.deliverComponent(manifest.IdentifierMCURT, imageRT)

	// all components applied, the inactive partition is now valid
	assert.Equal(t, partition.Valid, e.partitions.Snapshot().Entries[partition.B].Status)

	req := pldm.ActivateFirmwareRequest{SelfContainedActivation: 1}
	assert.Equal(t, uint8(pldm.Success), e.completion(e.exec(pldm.CmdActivateFirmware, req.Encode())))

	require.NoError(t, <-e.errCh)

	// activation swapped the active partition and advanced the epoch
	assert.Equal(t, partition.B, e.partitions.CurrentActive())
	assert.Equal(t, uint32(2), e.rot.Epoch())

	// the staged image set was applied sequentially to the B region
	offset := int64(0)

	for _, image := range [][]byte{e.envelope, imageFMC, imageRT} {
		stored, err := e.partitions.ReadImage(partition.B, offset, int64(len(image)))
		require.NoError(t, err)
		assert.Equal(t, image, stored)

		offset += int64(len(image))
	}
}

func TestIllegalMessagesAreRefusedWithoutStateChange(t *testing.T) {
	e := newEngine(t, Handlers{}, Config{})

	res := e.passComponent(manifest.IdentifierMCURT, 2, pldm.TransferStartAndEnd)
	assert.Equal(t, uint8(pldm.NotInUpdateMode), res.CompletionCode)

	uc := e.updateComponent(manifest.IdentifierMCURT, 16)
	assert.Equal(t, uint8(pldm.NotInUpdateMode), uc.CompletionCode)

	af := pldm.ActivateFirmwareRequest{}
	assert.Equal(t, uint8(pldm.NotInUpdateMode),
		e.completion(e.exec(pldm.CmdActivateFirmware, af.Encode())))

	assert.Equal(t, uint8(pldm.NotInUpdateMode),
		e.completion(e.exec(pldm.CmdCancelUpdate, nil)))

	assert.Equal(t, uint8(pldm.ErrorUnsupportedCmd),
		e.completion(e.exec(0x7f, nil)))

	// the refusals above left the engine idle and ready for a session
	require.Equal(t, uint8(pldm.Success), e.requestUpdate(3))

	assert.Equal(t, uint8(pldm.AlreadyInUpdateMode), e.requestUpdate(3))

	// discovery is an idle-only affair
	assert.Equal(t, uint8(pldm.CommandNotExpected),
		e.completion(e.exec(pldm.CmdQueryDeviceIdentifiers, nil)))
	assert.Equal(t, uint8(pldm.CommandNotExpected),
		e.completion(e.exec(pldm.CmdGetFirmwareParameters, nil)))

	// activation is not expected while learning components
	assert.Equal(t, uint8(pldm.CommandNotExpected),
		e.completion(e.exec(pldm.CmdActivateFirmware, af.Encode())))

	// unknown component
	res = e.passComponent(0x4242, 2, pldm.TransferStart)
	require.Equal(t, uint8(pldm.Success), res.CompletionCode)
	assert.Equal(t, uint8(1), res.Response)
	assert.Equal(t, uint8(pldm.ComponentNotSupported), res.ResponseCode)

	// downgrade refusal: stamp below the active firmware's
	res = e.passComponent(manifest.IdentifierMCURT, 0, pldm.TransferStart)
	require.Equal(t, uint8(pldm.Success), res.CompletionCode)
	assert.Equal(t, uint8(1), res.Response)
	assert.Equal(t, uint8(pldm.ComponentComparisonStampLower), res.ResponseCode)

	// downgrade refusal: stamp equal but release string older than active
	low := pldm.PassComponentTableRequest{
		TransferFlag:    pldm.TransferStart,
		Classification:  manifest.ClassificationFirmware,
		Identifier:      manifest.IdentifierMCURT,
		ComparisonStamp: 1,
		Version:         "0.9.0",
	}
	require.NoError(t, res.Decode(e.exec(pldm.CmdPassComponentTable, low.Encode()).Payload))
	require.Equal(t, uint8(pldm.Success), res.CompletionCode)
	assert.Equal(t, uint8(1), res.Response)
	assert.Equal(t, uint8(pldm.ComponentVersionStringLower), res.ResponseCode)

	// a valid table entry closes learning
	res = e.passComponent(manifest.IdentifierSoCManifest, 2, pldm.TransferEnd)
	require.Equal(t, uint8(0), res.Response)

	assert.Equal(t, uint8(pldm.StateReadyXfer), e.getStatus().CurrentState)

	// nothing applied yet
	assert.Equal(t, uint8(pldm.IncompleteUpdate),
		e.completion(e.exec(pldm.CmdActivateFirmware, af.Encode())))

	// cancel drops the session without promoting anything
	assert.Equal(t, uint8(pldm.Success), e.completion(e.exec(pldm.CmdCancelUpdate, nil)))
	assert.Equal(t, uint8(pldm.StateIdle), e.getStatus().CurrentState)
	assert.Equal(t, partition.Invalid, e.partitions.Snapshot().Entries[partition.B].Status)

	require.NoError(t, e.finish())
}

func TestHandlerFailureMidDownload(t *testing.T) {
	handlers := Handlers{
		FirmwareData: func(_ context.Context, c *ComponentDescriptor, offset uint32, data []byte) error {
			if offset > 0 {
				return api.Errorf(api.StagingIO, "staging write failed")
			}

			return nil
		},
	}

	e := newEngine(t, handlers, Config{ChunkSize: 16})

	require.Equal(t, uint8(pldm.Success), e.requestUpdate(1))

	res := e.passComponent(manifest.IdentifierMCURT, 2, pldm.TransferStartAndEnd)
	require.Equal(t, uint8(0), res.Response)

	uc := e.updateComponent(manifest.IdentifierMCURT, uint32(len(imageRT)))
	require.Equal(t, uint8(pldm.Success), uc.CompletionCode)

	tr := e.serveTransfer(imageRT)

	// the transfer stopped without a TransferComplete notification
	assert.False(t, tr.transferComplete)
	assert.False(t, tr.verifyComplete)
	assert.False(t, tr.applyComplete)

	// the session survives in READY XFER, the partition is untouched
	assert.Equal(t, uint8(pldm.StateReadyXfer), e.getStatus().CurrentState)
	assert.Equal(t, partition.Invalid, e.partitions.Snapshot().Entries[partition.B].Status)

	stored, err := e.partitions.ReadImage(partition.B, 0, int64(len(imageRT)))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(imageRT)), stored)

	// dropping the transport with the session open surfaces an abort
	err = e.finish()
	require.Error(t, err)
	assert.Equal(t, api.TransportClosed, api.Kind(err))
	assert.Equal(t, uint8(pldm.StateIdle), e.responder.State())
}

func TestApplicationHandlersWithoutDefault(t *testing.T) {
	handlers := Handlers{
		UpdateAvailable: func(context.Context, *PackageMetadata) error { return nil },
		UpdateComponent: func(context.Context, *ComponentDescriptor) error { return nil },
		FirmwareData: func(_ context.Context, _ *ComponentDescriptor, offset uint32, _ []byte) error {
			if offset > 0 {
				return api.Errorf(api.StagingIO, "no room")
			}

			return nil
		},
		VerifyComponent:  func(context.Context, *ComponentDescriptor) error { return nil },
		ApplyComponent:   func(context.Context, *ComponentDescriptor) error { return nil },
		ActivateFirmware: func(context.Context, bool) error { return nil },
	}

	flash := &memFlash{buf: make([]byte, 16384)}
	require.NoError(t, partition.Format(flash, testGeometry(), partition.A))

	partitions, err := partition.NewManager(flash, testGeometry())
	require.NoError(t, err)

	info := DeviceInfo{
		Serial:          "AW002",
		ImageSetVersion: "1.0.0",
		Components: []pldm.ComponentParameter{
			{Identifier: manifest.IdentifierMCURT, ActiveComparisonStamp: 1, ActiveVersion: "1.0.0"},
		},
	}

	pipe := newPipeTransport()
	r := NewResponder(pipe, handlers, nil, partitions, info, Config{ChunkSize: 16})

	e := &engine{
		t:          t,
		pipe:       pipe,
		responder:  r,
		partitions: partitions,
		errCh:      make(chan error, 1),
	}

	go func() {
		e.errCh <- r.Start(context.Background())
	}()

	require.Equal(t, uint8(pldm.Success), e.requestUpdate(1))

	res := e.passComponent(manifest.IdentifierMCURT, 2, pldm.TransferStartAndEnd)
	require.Equal(t, uint8(0), res.Response)

	uc := e.updateComponent(manifest.IdentifierMCURT, uint32(len(imageRT)))
	require.Equal(t, uint8(pldm.Success), uc.CompletionCode)

	// the failing handler takes the component down without any default
	// handler state to release
	tr := e.serveTransfer(imageRT)
	assert.False(t, tr.transferComplete)
	assert.Equal(t, uint8(pldm.StateReadyXfer), e.getStatus().CurrentState)

	// cancel walks the session abort path, again with no default handler
	assert.Equal(t, uint8(pldm.Success), e.completion(e.exec(pldm.CmdCancelUpdate, nil)))
	assert.Equal(t, uint8(pldm.StateIdle), e.getStatus().CurrentState)

	require.NoError(t, e.finish())
}

func TestDigestMismatchSkipsApply(t *testing.T) {
	e := newEngine(t, Handlers{}, Config{})

	require.Equal(t, uint8(pldm.Success), e.requestUpdate(3))

	e.passComponent(manifest.IdentifierSoCManifest, 2, pldm.TransferStart)
	e.passComponent(manifest.IdentifierCaliptraFMCRT, 2, pldm.TransferMiddle)
	e.passComponent(manifest.IdentifierMCURT, 2, pldm.TransferEnd)

	e.deliverComponent(manifest.IdentifierSoCManifest, e.envelope)

	// deliver tampered FMC+RT bytes
	tampered := append([]byte{}, imageFMC...)
	tampered[0] ^= 0xff

	uc := e.updateComponent(manifest.IdentifierCaliptraFMCRT, uint32(len(tampered)))
	require.Equal(t, uint8(pldm.Success), uc.CompletionCode)

	tr := e.serveTransfer(tampered)

	require.True(t, tr.transferComplete)
	assert.Equal(t, uint8(pldm.TransferSuccess), tr.transfer)
	require.True(t, tr.verifyComplete)
	assert.Equal(t, uint8(pldm.VerifyFailure), tr.verify)
	assert.False(t, tr.applyComplete, "a failed component must never apply")

	// the failed component keeps the image set incomplete
	af := pldm.ActivateFirmwareRequest{}
	assert.Equal(t, uint8(pldm.IncompleteUpdate),
		e.completion(e.exec(pldm.CmdActivateFirmware, af.Encode())))

	assert.Equal(t, partition.Invalid, e.partitions.Snapshot().Entries[partition.B].Status)

	err := e.finish()
	require.Error(t, err)
	assert.Equal(t, api.TransportClosed, api.Kind(err))
}

func TestSessionTimeoutAborts(t *testing.T) {
	e := newEngine(t, Handlers{}, Config{Timeout: 100 * time.Millisecond})

	require.Equal(t, uint8(pldm.Success), e.requestUpdate(1))

	// silence: the engine must abort the session on its own
	select {
	case err := <-e.errCh:
		require.Error(t, err)
		assert.Equal(t, api.TransportTimeout, api.Kind(err))
	case <-time.After(waitFor):
		t.Fatal("responder did not abort on timeout")
	}

	assert.Equal(t, uint8(pldm.StateIdle), e.responder.State())
	assert.Equal(t, partition.Invalid, e.partitions.Snapshot().Entries[partition.B].Status)
}

func TestIdleDisconnectIsClean(t *testing.T) {
	e := newEngine(t, Handlers{}, Config{})

	assert.Equal(t, uint8(pldm.StateIdle), e.getStatus().CurrentState)

	require.NoError(t, e.finish())

	s := e.responder.Status()
	assert.Equal(t, "AW001", s.Serial)
	assert.Equal(t, "A", s.ActivePartition)
	assert.Equal(t, "IDLE", s.State)
	assert.Contains(t, s.Print(), "Active partition .......: A")
}
