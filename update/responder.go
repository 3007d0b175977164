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

// Package update implements the device side of PLDM for Firmware Update
// (DSP0267): a long-lived responder state machine that stages, verifies and
// applies firmware image sets against an A/B partition pair, coordinated
// with a hardware root-of-trust.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/chipsalliance/mcu-update-os/api"
	"github.com/chipsalliance/mcu-update-os/partition"
	"github.com/chipsalliance/mcu-update-os/pldm"
)

// Transport carries PLDM messages between the responder and the Update
// Agent.
type Transport interface {
	// Recv blocks for the next message, up to timeout (zero blocks
	// indefinitely). It returns pldm.ErrTimeout on expiry.
	Recv(timeout time.Duration) (pldm.Message, error)
	// Send transmits a single message.
	Send(m pldm.Message) error
}

// DeviceInfo describes the firmware device for the discovery commands.
type DeviceInfo struct {
	Serial          string
	UUID            [16]byte
	ImageSetVersion string
	// Components is the active component metadata reported by
	// GetFirmwareParameters and checked for downgrades.
	Components []pldm.ComponentParameter
}

// Config tunes the responder.
type Config struct {
	// Timeout bounds each wait for the Update Agent's next message
	// while a session is active. On expiry the session aborts to idle.
	Timeout time.Duration
	// ChunkSize is the preferred RequestFirmwareData length.
	ChunkSize uint32
	// DownloadRetries is the number of retries for a failed chunk
	// before the component transfer fails.
	DownloadRetries int
}

const (
	defaultTimeout   = 30 * time.Second
	defaultChunkSize = 4096
	defaultRetries   = 3
)

// Responder is the PLDM firmware device state machine. It is not
// reentrant: one logical update session runs at a time, driven by a single
// task through Start.
type Responder struct {
	transport  Transport
	bridge     *bridge
	partitions *partition.Manager
	info       DeviceInfo
	cfg        Config

	state    uint8
	prev     uint8
	instance uint8
	session  *session
	progress uint8
}

// NewResponder builds a responder over the given transport and
// capabilities. Handlers fields left nil fall back to def; def may be nil
// when every handler is set.
func NewResponder(t Transport, handlers Handlers, def *DefaultHandler, partitions *partition.Manager, info DeviceInfo, cfg Config) *Responder {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	if cfg.DownloadRetries == 0 {
		cfg.DownloadRetries = defaultRetries
	}

	return &Responder{
		transport:  t,
		bridge:     &bridge{app: handlers, def: def},
		partitions: partitions,
		info:       info,
		cfg:        cfg,
		state:      pldm.StateIdle,
	}
}

// State returns the current DSP0267 firmware device state.
func (r *Responder) State() uint8 {
	return r.state
}

// Status reports the engine state for the operator tool.
func (r *Responder) Status() *api.Status {
	t := r.partitions.Snapshot()

	return &api.Status{
		Serial:          r.info.Serial,
		Version:         r.info.ImageSetVersion,
		ActivePartition: t.Active.String(),
		PartitionStatus: t.Entries[t.Active].Status.String(),
		State:           pldm.StateName(r.state),
		Progress:        r.progress,
	}
}

var (
	errSessionCanceled   = errors.New("session canceled by Update Agent")
	errComponentCanceled = errors.New("component update canceled by Update Agent")
)

// Start runs the responder until the session completes (activation), the
// Update Agent disconnects while idle, or a fatal error aborts the
// session. The update state on return is always consistent: an aborted
// session never leaves a partition promoted.
func (r *Responder) Start(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			r.abort()
			return err
		}

		switch r.state {
		case pldm.StateDownload:
			if err := r.downloadStep(ctx); err != nil {
				return err
			}
		case pldm.StateVerify:
			if err := r.verifyStep(ctx); err != nil {
				return err
			}
		case pldm.StateApply:
			if err := r.applyStep(ctx); err != nil {
				return err
			}
		default:
			var timeout time.Duration

			if r.state != pldm.StateIdle {
				timeout = r.cfg.Timeout
			}

			m, err := r.transport.Recv(timeout)

			if err != nil {
				return r.recvFailed(err)
			}

			if !m.Request {
				klog.V(1).Infof("ignoring unexpected response message, command %#x", m.Command)
				continue
			}

			done, err := r.dispatch(ctx, m)

			if err != nil {
				r.abort()
				return err
			}

			if done {
				return nil
			}
		}
	}
}

func (r *Responder) recvFailed(err error) error {
	if errors.Is(err, pldm.ErrTimeout) && r.state != pldm.StateIdle {
		state := pldm.StateName(r.state)
		r.abort()

		return api.Errorf(api.TransportTimeout, "no message within %v in state %s", r.cfg.Timeout, state)
	}

	idle := r.state == pldm.StateIdle
	state := pldm.StateName(r.state)
	r.abort()

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if idle {
			// agent went away with no session in progress
			return nil
		}

		return api.Errorf(api.TransportClosed, "agent disconnected in state %s", state)
	}

	return err
}

// dispatch routes one inbound request. A request that is illegal for the
// current state is refused with a protocol error response and never
// mutates the session, the download cursor or the partition table.
func (r *Responder) dispatch(ctx context.Context, m pldm.Message) (done bool, err error) {
	switch m.Command {
	case pldm.CmdQueryDeviceIdentifiers:
		return false, r.queryDeviceIdentifiers(m)
	case pldm.CmdGetFirmwareParameters:
		return false, r.getFirmwareParameters(m)
	case pldm.CmdGetStatus:
		return false, r.getStatus(m)
	case pldm.CmdRequestUpdate:
		return false, r.requestUpdate(ctx, m)
	case pldm.CmdPassComponentTable:
		return false, r.passComponentTable(m)
	case pldm.CmdUpdateComponent:
		return false, r.updateComponent(ctx, m)
	case pldm.CmdActivateFirmware:
		return r.activateFirmware(ctx, m)
	case pldm.CmdCancelUpdate:
		return false, r.cancelUpdate(m)
	case pldm.CmdCancelUpdateComponent:
		return false, r.refuse(m, pldm.CommandNotExpected)
	default:
		return false, r.refuse(m, pldm.ErrorUnsupportedCmd)
	}
}

func (r *Responder) refuse(m pldm.Message, code uint8) error {
	klog.V(1).Infof("refusing %#x in state %s with code %#x", m.Command, pldm.StateName(r.state), code)

	res := pldm.CompletionOnly{CompletionCode: code}

	return r.transport.Send(m.Response(res.Encode()))
}

func (r *Responder) queryDeviceIdentifiers(m pldm.Message) error {
	if r.state != pldm.StateIdle {
		return r.refuse(m, pldm.CommandNotExpected)
	}

	res := pldm.QueryDeviceIdentifiersResponse{
		CompletionCode: pldm.Success,
		Descriptors: []pldm.Descriptor{
			{Type: pldm.DescriptorUUID, Data: r.info.UUID[:]},
		},
	}

	return r.transport.Send(m.Response(res.Encode()))
}

func (r *Responder) getFirmwareParameters(m pldm.Message) error {
	if r.state != pldm.StateIdle {
		return r.refuse(m, pldm.CommandNotExpected)
	}

	res := pldm.GetFirmwareParametersResponse{
		CompletionCode:        pldm.Success,
		ActiveImageSetVersion: r.info.ImageSetVersion,
		Components:            r.info.Components,
	}

	return r.transport.Send(m.Response(res.Encode()))
}

func (r *Responder) getStatus(m pldm.Message) error {
	res := pldm.GetStatusResponse{
		CompletionCode:  pldm.Success,
		CurrentState:    r.state,
		PreviousState:   r.prev,
		ProgressPercent: r.progress,
	}

	return r.transport.Send(m.Response(res.Encode()))
}

func (r *Responder) requestUpdate(ctx context.Context, m pldm.Message) error {
	if r.state != pldm.StateIdle {
		return r.refuse(m, pldm.AlreadyInUpdateMode)
	}

	if r.partitions.Corrupt() {
		klog.Errorf("refusing update: %v", partition.ErrCorrupt)
		return r.refuse(m, pldm.UnableToInitiateUpdate)
	}

	req := pldm.RequestUpdateRequest{}

	if err := req.Decode(m.Payload); err != nil {
		return r.refuse(m, pldm.ErrorInvalidData)
	}

	meta := &PackageMetadata{
		ImageSetVersion: req.ImageSetVersion,
		ComponentCount:  req.ComponentCount,
		MaxTransferSize: req.MaxTransferSize,
	}

	if err := r.bridge.updateAvailable(ctx, meta); err != nil {
		klog.Errorf("update refused by handler: %v", err)
		return r.refuse(m, pldm.UnableToInitiateUpdate)
	}

	r.session = newSession(meta)
	r.setState(pldm.StateLearnComponents)

	res := pldm.RequestUpdateResponse{CompletionCode: pldm.Success}

	return r.transport.Send(m.Response(res.Encode()))
}

func (r *Responder) passComponentTable(m pldm.Message) error {
	switch r.state {
	case pldm.StateLearnComponents:
	case pldm.StateIdle:
		return r.refuse(m, pldm.NotInUpdateMode)
	default:
		return r.refuse(m, pldm.CommandNotExpected)
	}

	req := pldm.PassComponentTableRequest{}

	if err := req.Decode(m.Payload); err != nil {
		return r.refuse(m, pldm.ErrorInvalidData)
	}

	res := pldm.ComponentResponse{CompletionCode: pldm.Success}

	switch active := r.activeComponent(req.Identifier); {
	case active == nil:
		res.Response = 1
		res.ResponseCode = pldm.ComponentNotSupported
	case req.ComparisonStamp < active.ActiveComparisonStamp:
		// downgrade refusal; identical stamps allow a re-flash
		res.Response = 1
		res.ResponseCode = pldm.ComponentComparisonStampLower
	case versionLower(req.Version, active.ActiveVersion):
		// the stamp passed but the release string moved backwards
		res.Response = 1
		res.ResponseCode = pldm.ComponentVersionStringLower
	default:
		r.session.announce(&ComponentDescriptor{
			Classification:      req.Classification,
			Identifier:          req.Identifier,
			ClassificationIndex: req.ClassificationIndex,
			ComparisonStamp:     req.ComparisonStamp,
			Version:             req.Version,
		})
	}

	if req.TransferFlag&pldm.TransferEnd != 0 {
		r.session.learned = true
		r.setState(pldm.StateReadyXfer)
	}

	return r.transport.Send(m.Response(res.Encode()))
}

func (r *Responder) updateComponent(ctx context.Context, m pldm.Message) error {
	switch r.state {
	case pldm.StateReadyXfer:
	case pldm.StateIdle:
		return r.refuse(m, pldm.NotInUpdateMode)
	default:
		return r.refuse(m, pldm.CommandNotExpected)
	}

	req := pldm.UpdateComponentRequest{}

	if err := req.Decode(m.Payload); err != nil {
		return r.refuse(m, pldm.ErrorInvalidData)
	}

	res := pldm.UpdateComponentResponse{CompletionCode: pldm.Success}

	c := r.session.component(req.Identifier)

	if c == nil || req.ImageSize == 0 {
		res.CompatibilityResponse = 1
		res.CompatibilityResponseCode = pldm.ComponentNotSupported

		return r.transport.Send(m.Response(res.Encode()))
	}

	c.Size = req.ImageSize

	if err := r.bridge.updateComponent(ctx, c); err != nil {
		klog.Errorf("component %#x refused by handler: %v", c.Identifier, err)

		res.CompatibilityResponse = 1
		res.CompatibilityResponseCode = pldm.ComponentNotSupported

		return r.transport.Send(m.Response(res.Encode()))
	}

	r.session.current = &download{comp: c}
	r.setState(pldm.StateDownload)
	r.progress = 0

	return r.transport.Send(m.Response(res.Encode()))
}

func (r *Responder) activateFirmware(ctx context.Context, m pldm.Message) (done bool, err error) {
	switch r.state {
	case pldm.StateReadyXfer:
	case pldm.StateIdle:
		return false, r.refuse(m, pldm.NotInUpdateMode)
	default:
		return false, r.refuse(m, pldm.CommandNotExpected)
	}

	if !r.session.allApplied() {
		return false, r.refuse(m, pldm.IncompleteUpdate)
	}

	req := pldm.ActivateFirmwareRequest{}

	if err := req.Decode(m.Payload); err != nil {
		return false, r.refuse(m, pldm.ErrorInvalidData)
	}

	r.setState(pldm.StateActivate)

	if err := r.bridge.activateFirmware(ctx, req.SelfContainedActivation != 0); err != nil {
		klog.Errorf("activation failed: %v", err)

		if sendErr := r.refuse(m, pldm.Error); sendErr != nil {
			err = sendErr
		}

		r.abort()

		return false, err
	}

	res := pldm.ActivateFirmwareResponse{CompletionCode: pldm.Success}

	if err := r.transport.Send(m.Response(res.Encode())); err != nil {
		return false, err
	}

	klog.Infof("firmware activation complete, session closed")
	r.reset()

	return true, nil
}

func (r *Responder) cancelUpdate(m pldm.Message) error {
	if r.state == pldm.StateIdle {
		return r.refuse(m, pldm.NotInUpdateMode)
	}

	res := pldm.CancelUpdateResponse{CompletionCode: pldm.Success}

	err := r.transport.Send(m.Response(res.Encode()))

	klog.Infof("update canceled by Update Agent")
	r.abort()

	return err
}

// downloadStep drives the device-initiated transfer of the current
// component: RequestFirmwareData until the cursor reaches the announced
// size, then TransferComplete. A failed chunk is retried without rolling
// back earlier chunks; duplicate offsets are harmless as staged bytes are
// replaced in place.
func (r *Responder) downloadStep(ctx context.Context) error {
	d := r.session.current
	c := d.comp

	for d.offset < c.Size {
		length := r.cfg.ChunkSize

		if remaining := c.Size - d.offset; remaining < length {
			length = remaining
		}

		data, err := r.requestChunk(ctx, d.offset, length)

		switch {
		case err == nil:
		case errors.Is(err, errComponentCanceled):
			r.failComponent("transfer canceled")
			return nil
		case errors.Is(err, errSessionCanceled):
			r.abort()
			return nil
		default:
			r.abort()
			return err
		}

		if err := r.bridge.firmwareData(ctx, c, d.offset, data); err != nil {
			// Component-level failure: the transfer stops without
			// TransferComplete and the partition is left untouched.
			klog.Errorf("firmware data handler failed at offset %d: %v", d.offset, err)
			r.failComponent(err.Error())

			return nil
		}

		d.offset += uint32(len(data))
		r.progress = uint8(uint64(d.offset) * 100 / uint64(c.Size))
	}

	if err := r.completeTransfer(ctx, pldm.TransferSuccess); err != nil {
		if errors.Is(err, errSessionCanceled) {
			r.abort()
			return nil
		}

		r.abort()
		return err
	}

	r.setState(pldm.StateVerify)

	return nil
}

// requestChunk issues one RequestFirmwareData exchange, retrying failed
// chunks up to the configured budget.
func (r *Responder) requestChunk(ctx context.Context, offset, length uint32) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.DownloadRetries; attempt++ {
		req := pldm.RequestFirmwareDataRequest{Offset: offset, Length: length}

		m, err := r.exchange(ctx, pldm.CmdRequestFirmwareData, req.Encode())

		if err != nil {
			return nil, err
		}

		res := pldm.RequestFirmwareDataResponse{}

		if err := res.Decode(m.Payload); err != nil {
			lastErr = err
			continue
		}

		if res.CompletionCode != pldm.Success {
			lastErr = fmt.Errorf("RequestFirmwareData completion code %#x", res.CompletionCode)
			continue
		}

		if uint32(len(res.Data)) != length {
			lastErr = fmt.Errorf("RequestFirmwareData returned %d bytes, requested %d", len(res.Data), length)
			continue
		}

		return res.Data, nil
	}

	return nil, api.Errorf(api.TransportTimeout, "chunk at offset %d failed after %d attempts: %v",
		offset, r.cfg.DownloadRetries+1, lastErr)
}

func (r *Responder) completeTransfer(ctx context.Context, result uint8) error {
	req := pldm.ResultRequest{Result: result}

	_, err := r.exchange(ctx, pldm.CmdTransferComplete, req.Encode())

	return err
}

func (r *Responder) verifyStep(ctx context.Context) error {
	c := r.session.current.comp

	verifyErr := r.bridge.verifyComponent(ctx, c)

	result := uint8(pldm.VerifySuccess)

	if verifyErr != nil {
		switch api.Kind(verifyErr) {
		case api.VerificationFailed:
			result = pldm.VerifyFailure
		case api.StagingIO:
			result = pldm.VerifyStagingFailure
		default:
			result = pldm.VerifyGenericError
		}

		klog.Errorf("component %#x verification failed: %v", c.Identifier, verifyErr)
	}

	req := pldm.ResultRequest{Result: result}

	if _, err := r.exchange(ctx, pldm.CmdVerifyComplete, req.Encode()); err != nil {
		if errors.Is(err, errSessionCanceled) || errors.Is(err, errComponentCanceled) {
			r.abort()
			return nil
		}

		r.abort()
		return err
	}

	if verifyErr != nil {
		r.failComponent(verifyErr.Error())
		return nil
	}

	r.setState(pldm.StateApply)

	return nil
}

func (r *Responder) applyStep(ctx context.Context) error {
	c := r.session.current.comp

	applyErr := r.bridge.applyComponent(ctx, c)

	req := pldm.ApplyCompleteRequest{Result: pldm.ApplySuccess}

	if applyErr != nil {
		req.Result = pldm.ApplyFailureMemoryIssue
		klog.Errorf("component %#x apply failed: %v", c.Identifier, applyErr)
	}

	if _, err := r.exchange(ctx, pldm.CmdApplyComplete, req.Encode()); err != nil {
		if errors.Is(err, errSessionCanceled) || errors.Is(err, errComponentCanceled) {
			r.abort()
			return nil
		}

		r.abort()
		return err
	}

	if applyErr != nil {
		r.failComponent(applyErr.Error())
		return nil
	}

	r.session.applied++
	r.session.current = nil
	r.setState(pldm.StateReadyXfer)
	r.progress = 0

	if r.session.allApplied() {
		// every subcomponent digest matched in manifest order, the
		// inactive partition now holds a complete image set
		if err := r.partitions.Mark(r.partitions.Inactive(), partition.Valid); err != nil {
			r.abort()
			return &api.Error{Kind: api.PartitionTableCorrupt, Err: err}
		}

		klog.Infof("all %d components applied, partition %s marked valid",
			r.session.applied, r.partitions.Inactive())
	}

	return nil
}

// exchange sends a device-initiated request and blocks for its response,
// servicing GetStatus and cancellation requests that arrive in between.
func (r *Responder) exchange(ctx context.Context, cmd uint8, payload []byte) (pldm.Message, error) {
	r.instance = (r.instance + 1) & 0x1f
	req := pldm.Request(r.instance, cmd, payload)

	if err := r.transport.Send(req); err != nil {
		return pldm.Message{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return pldm.Message{}, err
		}

		m, err := r.transport.Recv(r.cfg.Timeout)

		if err != nil {
			if errors.Is(err, pldm.ErrTimeout) {
				return pldm.Message{}, api.Errorf(api.TransportTimeout,
					"no response to %#x within %v", cmd, r.cfg.Timeout)
			}

			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return pldm.Message{}, api.Errorf(api.TransportClosed,
					"agent disconnected awaiting response to %#x", cmd)
			}

			return pldm.Message{}, err
		}

		if m.Request {
			switch m.Command {
			case pldm.CmdGetStatus:
				if err := r.getStatus(m); err != nil {
					return pldm.Message{}, err
				}
			case pldm.CmdCancelUpdate:
				res := pldm.CancelUpdateResponse{CompletionCode: pldm.Success}

				if err := r.transport.Send(m.Response(res.Encode())); err != nil {
					return pldm.Message{}, err
				}

				return pldm.Message{}, errSessionCanceled
			case pldm.CmdCancelUpdateComponent:
				res := pldm.CompletionOnly{CompletionCode: pldm.Success}

				if err := r.transport.Send(m.Response(res.Encode())); err != nil {
					return pldm.Message{}, err
				}

				return pldm.Message{}, errComponentCanceled
			default:
				if err := r.refuse(m, pldm.CommandNotExpected); err != nil {
					return pldm.Message{}, err
				}
			}

			continue
		}

		if m.Command != cmd || m.InstanceID != r.instance {
			klog.V(1).Infof("discarding stale response, command %#x instance %d", m.Command, m.InstanceID)
			continue
		}

		return m, nil
	}
}

// failComponent records a component-level failure: the staging claim is
// released and the session continues in READY XFER. The inactive
// partition's status is never changed on this path.
func (r *Responder) failComponent(reason string) {
	c := r.session.current.comp

	klog.Errorf("component %#x failed: %s", c.Identifier, reason)

	if r.bridge.def != nil {
		r.bridge.def.releaseComponent(c.Identifier)
	}

	r.session.current = nil
	r.session.failed++
	r.progress = 0
	r.setState(pldm.StateReadyXfer)
}

// abort tears the session down to idle, releasing all staging claims. The
// partition table is left as it was: a partition is never promoted by an
// unfinished session.
func (r *Responder) abort() {
	if r.session != nil {
		r.bridge.abort()
	}

	r.reset()
}

func (r *Responder) reset() {
	r.session = nil
	r.progress = 0
	r.setState(pldm.StateIdle)
}

func (r *Responder) setState(s uint8) {
	if r.state == s {
		return
	}

	klog.V(1).Infof("state %s -> %s", pldm.StateName(r.state), pldm.StateName(s))

	r.prev = r.state
	r.state = s
}

func (r *Responder) activeComponent(identifier uint16) *pldm.ComponentParameter {
	for i := range r.info.Components {
		if r.info.Components[i].Identifier == identifier {
			return &r.info.Components[i]
		}
	}

	return nil
}

// versionLower reports whether the announced release string is a semver
// release older than the active one. Strings that do not parse as semver
// are not compared, the comparison stamp alone decides then.
func versionLower(announced, active string) bool {
	a, err := semver.NewVersion(announced)
	if err != nil {
		return false
	}

	b, err := semver.NewVersion(active)
	if err != nil {
		return false
	}

	return a.LessThan(*b)
}
