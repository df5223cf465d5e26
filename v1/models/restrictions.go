package models

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// AccessRestrictions constrain how a share's token may be used.
type AccessRestrictions struct {
	MaxAccessCount     *int        `json:"maxAccessCount,omitempty"`
	AllowedIPAddresses []string    `json:"allowedIpAddresses,omitempty"`
	AllowedTimeWindow  *TimeWindow `json:"allowedTimeWindow,omitempty"`
}

// TimeWindow is a daily UTC clock window in "HH:MM" form. End before Start wraps midnight.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

const clockLayout = "15:04"

// Validate checks the restriction values are well formed.
func (r AccessRestrictions) Validate() error {
	if r.MaxAccessCount != nil && *r.MaxAccessCount <= 0 {
		return fmt.Errorf("%w: maxAccessCount must be positive", ErrValidation)
	}
	for _, entry := range r.AllowedIPAddresses {
		if _, err := parseAddressRule(entry); err != nil {
			return fmt.Errorf("%w: invalid allowedIpAddresses entry %q", ErrValidation, entry)
		}
	}
	if w := r.AllowedTimeWindow; w != nil {
		if _, err := time.Parse(clockLayout, w.Start); err != nil {
			return fmt.Errorf("%w: allowedTimeWindow.start must be HH:MM", ErrValidation)
		}
		if _, err := time.Parse(clockLayout, w.End); err != nil {
			return fmt.Errorf("%w: allowedTimeWindow.end must be HH:MM", ErrValidation)
		}
		if w.Start == w.End {
			return fmt.Errorf("%w: allowedTimeWindow must not be empty", ErrValidation)
		}
	}
	return nil
}

// AllowsAddress reports whether addr matches one of the allowed IPs or CIDR ranges.
// An empty allow-list admits every address.
func (r AccessRestrictions) AllowsAddress(addr string) bool {
	if len(r.AllowedIPAddresses) == 0 {
		return true
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, entry := range r.AllowedIPAddresses {
		prefix, err := parseAddressRule(entry)
		if err != nil {
			continue
		}
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowsTime reports whether t falls inside the allowed window, if one is set.
func (r AccessRestrictions) AllowsTime(t time.Time) bool {
	w := r.AllowedTimeWindow
	if w == nil {
		return true
	}
	start, err1 := time.Parse(clockLayout, w.Start)
	end, err2 := time.Parse(clockLayout, w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	t = t.UTC()
	minute := t.Hour()*60 + t.Minute()
	from := start.Hour()*60 + start.Minute()
	to := end.Hour()*60 + end.Minute()
	if from < to {
		return minute >= from && minute < to
	}
	return minute >= from || minute < to
}

func parseAddressRule(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	ip, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}
