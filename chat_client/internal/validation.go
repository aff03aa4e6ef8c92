package internal

import (
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultPort is the port used when none or an invalid one is given.
	DefaultPort = 14001
	// DefaultAddress is the host used when none or an invalid one is given.
	DefaultAddress = "localhost"

	invalidPortWarning    = "Invalid port inputted. 14001 is being used as default."
	invalidAddressWarning = `Invalid IP Address inputted. "localhost" is being used as default.`
)

// ConvertPort turns user input into a port. Invalid input yields DefaultPort and a warning.
func ConvertPort(input string) (int, string) {
	port, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil || port < 0 || port > 65535 {
		return DefaultPort, invalidPortWarning
	}
	return port, ""
}

// ConvertAddress accepts "localhost" or a dotted IPv4 address.
// Anything else yields DefaultAddress and a warning.
func ConvertAddress(input string) (string, string) {
	input = strings.TrimSpace(input)
	if strings.EqualFold(input, DefaultAddress) {
		return DefaultAddress, ""
	}
	ip := net.ParseIP(input)
	if ip == nil || ip.To4() == nil || strings.Contains(input, ":") {
		return DefaultAddress, invalidAddressWarning
	}
	return input, ""
}
