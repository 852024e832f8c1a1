// Copyright 2025 Edgeo SCADA
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

package modbus

import (
	"fmt"
	"net"
)

// AddressFilter decides which peers may open a server session.
type AddressFilter struct {
	allowed map[string]struct{}
}

// AnyAddress accepts every peer.
func AnyAddress() AddressFilter {
	return AddressFilter{}
}

// AllowAddresses accepts only peers whose IP is in ips.
func AllowAddresses(ips ...net.IP) AddressFilter {
	f := AddressFilter{allowed: make(map[string]struct{}, len(ips))}
	for _, ip := range ips {
		f.allowed[ip.String()] = struct{}{}
	}
	return f
}

// ParseAddressFilter builds a filter from textual IPs. No addresses means any.
func ParseAddressFilter(addrs []string) (AddressFilter, error) {
	if len(addrs) == 0 {
		return AnyAddress(), nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			return AddressFilter{}, fmt.Errorf("modbus: invalid address %q in filter", a)
		}
		ips = append(ips, ip)
	}
	return AllowAddresses(ips...), nil
}

// Allows reports whether addr may connect.
func (f AddressFilter) Allows(addr net.Addr) bool {
	if f.allowed == nil {
		return true
	}
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return false
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	_, ok := f.allowed[ip.String()]
	return ok
}
