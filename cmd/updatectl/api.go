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

package main

import (
	"fmt"
	"time"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/chipsalliance/mcu-update-os/api"
	"github.com/chipsalliance/mcu-update-os/manifest"
	"github.com/chipsalliance/mcu-update-os/pldm"
)

// Agent drives one update session against the firmware device, acting as
// the PLDM Update Agent.
type Agent struct {
	b        *pldm.Binding
	timeout  time.Duration
	instance uint8
}

// NewAgent returns an Update Agent over the given binding.
func NewAgent(b *pldm.Binding, timeout time.Duration) *Agent {
	return &Agent{b: b, timeout: timeout}
}

// request issues one agent-initiated command and returns its response
// payload.
func (a *Agent) request(cmd uint8, payload []byte) ([]byte, error) {
	a.instance = (a.instance + 1) & 0x1f

	if err := a.b.Send(pldm.Request(a.instance, cmd, payload)); err != nil {
		return nil, err
	}

	for {
		m, err := a.b.Recv(a.timeout)

		if err != nil {
			return nil, err
		}

		if m.Request || m.Command != cmd || m.InstanceID != a.instance {
			klog.V(1).Infof("discarding unexpected message, command %#x", m.Command)
			continue
		}

		return m.Payload, nil
	}
}

// Status queries the device update engine state.
func (a *Agent) Status() (*pldm.GetStatusResponse, error) {
	p, err := a.request(pldm.CmdGetStatus, nil)

	if err != nil {
		return nil, err
	}

	res := &pldm.GetStatusResponse{}

	if err := res.Decode(p); err != nil {
		return nil, err
	}

	if res.CompletionCode != pldm.Success {
		return nil, fmt.Errorf("GetStatus completion code %#x", res.CompletionCode)
	}

	return res, nil
}

// Identify queries the device identifiers and firmware parameters.
func (a *Agent) Identify() (*pldm.QueryDeviceIdentifiersResponse, *pldm.GetFirmwareParametersResponse, error) {
	p, err := a.request(pldm.CmdQueryDeviceIdentifiers, nil)

	if err != nil {
		return nil, nil, err
	}

	ids := &pldm.QueryDeviceIdentifiersResponse{}

	if err := ids.Decode(p); err != nil {
		return nil, nil, err
	}

	if ids.CompletionCode != pldm.Success {
		return nil, nil, fmt.Errorf("QueryDeviceIdentifiers completion code %#x", ids.CompletionCode)
	}

	if p, err = a.request(pldm.CmdGetFirmwareParameters, nil); err != nil {
		return nil, nil, err
	}

	params := &pldm.GetFirmwareParametersResponse{}

	if err := params.Decode(p); err != nil {
		return nil, nil, err
	}

	if params.CompletionCode != pldm.Success {
		return nil, nil, fmt.Errorf("GetFirmwareParameters completion code %#x", params.CompletionCode)
	}

	return ids, params, nil
}

// Cancel aborts any in-progress update session.
func (a *Agent) Cancel() error {
	p, err := a.request(pldm.CmdCancelUpdate, nil)

	if err != nil {
		return err
	}

	res := &pldm.CancelUpdateResponse{}

	if err := res.Decode(p); err != nil {
		return err
	}

	if res.CompletionCode != pldm.Success {
		return fmt.Errorf("CancelUpdate completion code %#x", res.CompletionCode)
	}

	return nil
}

// component is one transfer unit of the update package, in the order the
// device must receive them: the SoC manifest envelope first, then every
// image in manifest order.
type component struct {
	descriptor pldm.PassComponentTableRequest
	image      []byte
}

// plan orders the package components for transfer.
func plan(pkg *api.UpdatePackage, m *manifest.Manifest) ([]component, error) {
	components := []component{{
		descriptor: pldm.PassComponentTableRequest{
			Classification:  manifest.ClassificationFirmware,
			Identifier:      manifest.IdentifierSoCManifest,
			ComparisonStamp: m.SecurityVersion,
			Version:         m.ImageSetVersion,
		},
		image: pkg.Manifest,
	}}

	for i := range m.Components {
		c := &m.Components[i]

		image, ok := pkg.Images[c.Identifier]

		if !ok {
			return nil, fmt.Errorf("package is missing the image for component %s (%#x)", c.Name, c.Identifier)
		}

		if uint32(len(image)) != c.Size {
			return nil, fmt.Errorf("component %s image is %d bytes, manifest expects %d", c.Name, len(image), c.Size)
		}

		components = append(components, component{
			descriptor: pldm.PassComponentTableRequest{
				Classification:  c.Classification,
				Identifier:      c.Identifier,
				ComparisonStamp: c.ComparisonStamp,
				Version:         c.Version,
			},
			image: image,
		})
	}

	return components, nil
}

// Update runs a complete update session: RequestUpdate, the component
// table, one download/verify/apply cycle per component, then activation.
func (a *Agent) Update(pkg *api.UpdatePackage, progress bool) error {
	body, err := manifest.Body(pkg.Manifest)

	if err != nil {
		return err
	}

	m, err := manifest.Parse(body)

	if err != nil {
		return err
	}

	components, err := plan(pkg, m)

	if err != nil {
		return err
	}

	if err := a.requestUpdate(m, len(components)); err != nil {
		return err
	}

	if err := a.passComponentTable(components); err != nil {
		return err
	}

	for i := range components {
		if err := a.transferComponent(&components[i], progress); err != nil {
			return err
		}
	}

	return a.activate()
}

func (a *Agent) requestUpdate(m *manifest.Manifest, count int) error {
	req := pldm.RequestUpdateRequest{
		MaxTransferSize: pldm.MaxMessageSize / 2,
		ComponentCount:  uint16(count),
		ImageSetVersion: m.ImageSetVersion,
	}

	p, err := a.request(pldm.CmdRequestUpdate, req.Encode())

	if err != nil {
		return err
	}

	res := pldm.RequestUpdateResponse{}

	if err := res.Decode(p); err != nil {
		return err
	}

	if res.CompletionCode != pldm.Success {
		return fmt.Errorf("RequestUpdate refused with code %#x", res.CompletionCode)
	}

	return nil
}

func (a *Agent) passComponentTable(components []component) error {
	for i := range components {
		req := components[i].descriptor

		switch {
		case len(components) == 1:
			req.TransferFlag = pldm.TransferStartAndEnd
		case i == 0:
			req.TransferFlag = pldm.TransferStart
		case i == len(components)-1:
			req.TransferFlag = pldm.TransferEnd
		default:
			req.TransferFlag = pldm.TransferMiddle
		}

		p, err := a.request(pldm.CmdPassComponentTable, req.Encode())

		if err != nil {
			return err
		}

		res := pldm.ComponentResponse{}

		if err := res.Decode(p); err != nil {
			return err
		}

		if res.CompletionCode != pldm.Success || res.Response != 0 {
			return fmt.Errorf("component %#x refused (code %#x, response code %#x)",
				req.Identifier, res.CompletionCode, res.ResponseCode)
		}
	}

	return nil
}

// transferComponent runs UpdateComponent and then serves the device's
// RequestFirmwareData loop and result notifications for one component.
func (a *Agent) transferComponent(c *component, progress bool) error {
	req := pldm.UpdateComponentRequest{
		Classification:  c.descriptor.Classification,
		Identifier:      c.descriptor.Identifier,
		ComparisonStamp: c.descriptor.ComparisonStamp,
		ImageSize:       uint32(len(c.image)),
		Version:         c.descriptor.Version,
	}

	p, err := a.request(pldm.CmdUpdateComponent, req.Encode())

	if err != nil {
		return err
	}

	res := pldm.UpdateComponentResponse{}

	if err := res.Decode(p); err != nil {
		return err
	}

	if res.CompletionCode != pldm.Success || res.CompatibilityResponse != 0 {
		return fmt.Errorf("UpdateComponent %#x refused (code %#x, response code %#x)",
			req.Identifier, res.CompletionCode, res.CompatibilityResponseCode)
	}

	var bar *pb.ProgressBar

	if progress {
		fmt.Printf("transferring component %#x (%s)\n", req.Identifier, c.descriptor.Version)
		bar = pb.Full.Start64(int64(len(c.image)))
		defer bar.Finish()
	}

	return a.serveTransfer(c, bar)
}

// serveTransfer answers device-initiated requests until the component's
// ApplyComplete arrives.
func (a *Agent) serveTransfer(c *component, bar *pb.ProgressBar) error {
	for {
		m, err := a.b.Recv(a.timeout)

		if err != nil {
			return err
		}

		if !m.Request {
			klog.V(1).Infof("discarding unexpected response, command %#x", m.Command)
			continue
		}

		switch m.Command {
		case pldm.CmdRequestFirmwareData:
			if err := a.firmwareData(m, c, bar); err != nil {
				return err
			}
		case pldm.CmdTransferComplete:
			if err := a.result(m, "transfer"); err != nil {
				return err
			}
		case pldm.CmdVerifyComplete:
			if err := a.result(m, "verification"); err != nil {
				return err
			}
		case pldm.CmdApplyComplete:
			req := pldm.ApplyCompleteRequest{}

			if err := req.Decode(m.Payload); err != nil {
				return err
			}

			res := pldm.CompletionOnly{CompletionCode: pldm.Success}

			if err := a.b.Send(m.Response(res.Encode())); err != nil {
				return err
			}

			if req.Result != pldm.ApplySuccess {
				return fmt.Errorf("component %#x apply failed with result %#x",
					c.descriptor.Identifier, req.Result)
			}

			return nil
		default:
			res := pldm.CompletionOnly{CompletionCode: pldm.CommandNotExpected}

			if err := a.b.Send(m.Response(res.Encode())); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) firmwareData(m pldm.Message, c *component, bar *pb.ProgressBar) error {
	req := pldm.RequestFirmwareDataRequest{}

	if err := req.Decode(m.Payload); err != nil {
		return err
	}

	res := pldm.RequestFirmwareDataResponse{CompletionCode: pldm.Success}

	if end := uint64(req.Offset) + uint64(req.Length); end > uint64(len(c.image)) {
		res.CompletionCode = pldm.DataOutOfRange
	} else {
		res.Data = c.image[req.Offset:end]
	}

	if err := a.b.Send(m.Response(res.Encode())); err != nil {
		return err
	}

	if bar != nil && res.CompletionCode == pldm.Success {
		bar.SetCurrent(int64(req.Offset) + int64(req.Length))
	}

	return nil
}

// result answers a TransferComplete or VerifyComplete notification,
// failing the session on a non-success result.
func (a *Agent) result(m pldm.Message, phase string) error {
	req := pldm.ResultRequest{}

	if err := req.Decode(m.Payload); err != nil {
		return err
	}

	res := pldm.CompletionOnly{CompletionCode: pldm.Success}

	if err := a.b.Send(m.Response(res.Encode())); err != nil {
		return err
	}

	if req.Result != 0 {
		return fmt.Errorf("%s failed with result %#x", phase, req.Result)
	}

	return nil
}

func (a *Agent) activate() error {
	req := pldm.ActivateFirmwareRequest{SelfContainedActivation: 1}

	p, err := a.request(pldm.CmdActivateFirmware, req.Encode())

	if err != nil {
		return err
	}

	res := pldm.ActivateFirmwareResponse{}

	if err := res.Decode(p); err != nil {
		return err
	}

	if res.CompletionCode != pldm.Success {
		return fmt.Errorf("ActivateFirmware refused with code %#x", res.CompletionCode)
	}

	return nil
}
