/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package projection

import (
	"slices"

	"github.com/carverauto/assetradar/pkg/models"
)

func (p *Projector) projectFields(r *run, ae *models.AdapterEntity) error {
	add := func(v models.FieldValue) {
		r.view.Fields[v.Name] = append(r.view.Fields[v.Name], v)
	}

	d := ae.Data

	str := func(name, val string) {
		if val != "" {
			add(models.FieldValue{Name: name, Type: models.FieldString, String: val})
		}
	}

	list := func(name string, val []string) {
		if len(val) > 0 {
			add(models.FieldValue{Name: name, Type: models.FieldStringList, Strings: slices.Clone(val)})
		}
	}

	str("hostname", d.Hostname)
	list("mac_addresses", d.MACAddresses)
	list("ip_addresses", d.IPAddresses)
	str("serial_number", d.SerialNumber)
	list("adapter_properties", d.AdapterProperties)

	if d.LastSeen != nil {
		add(models.FieldValue{Name: "last_seen", Type: models.FieldTime, Time: *d.LastSeen})
	}

	if dev := d.Device; dev != nil {
		str("os_type", dev.OSType)
		str("os_version", dev.OSVersion)
		str("manufacturer", dev.Manufacturer)
		str("model", dev.Model)
		str("domain", dev.Domain)
	}

	if u := d.User; u != nil {
		str("username", u.Username)
		str("domain", u.Domain)
		str("email", u.Email)
		str("display_name", u.DisplayName)

		if u.IsAdmin {
			add(models.FieldValue{Name: "is_admin", Type: models.FieldBool, Bool: true})
		}
	}

	if len(d.Extra) == 0 {
		return nil
	}

	registry := p.fields.For(r.entity.Kind)

	names := make([]string, 0, len(d.Extra))
	for name := range d.Extra {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		v, err := registry.Resolve(name, d.Extra[name])
		if err != nil {
			if ferr := r.fail(StepFields, ae.Ref(), err); ferr != nil {
				return ferr
			}

			continue
		}

		add(v)
	}

	return nil
}
