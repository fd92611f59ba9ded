package remote

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cfait/internal/cerr"
	"cfait/internal/task"
)

// prop mirrors the WebDAV/CalDAV properties cfait reads out of a
// multistatus response, grounded on backend/nextcloud/nextcloud.go's Prop
// struct.
type prop struct {
	DisplayName  string `xml:"displayname"`
	GetETag      string `xml:"getetag"`
	CalendarData string `xml:"calendar-data"`
	ResourceType struct {
		Collection bool `xml:"collection"`
		Calendar   bool `xml:"calendar"`
	} `xml:"resourcetype"`
	CurrentUserPrincipal struct {
		Href string `xml:"href"`
	} `xml:"current-user-principal"`
	CalendarHomeSet struct {
		Href string `xml:"href"`
	} `xml:"calendar-home-set"`
}

type propStat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type response struct {
	Href     string     `xml:"href"`
	PropStat []propStat `xml:"propstat"`
}

type multiStatus struct {
	Responses []response `xml:"response"`
}

// DiscoverCalendars implements the two-stage discovery flow from
// SPEC_FULL.md section 4.7 / original_source/src/client.rs
// discover_calendar(): first check whether the configured base URL is
// itself already a calendar (its listing contains .ics resources), then
// fall back to full CalDAV principal/home-set/calendar discovery.
func (s *CalDAVStore) DiscoverCalendars(ctx context.Context) ([]task.CalendarListEntry, error) {
	if refs, err := s.List(ctx, s.cfg.BaseURL); err == nil && len(refs) > 0 {
		return []task.CalendarListEntry{{Name: displayNameOf(s.cfg.BaseURL), Href: s.cfg.BaseURL}}, nil
	}

	principal, err := s.findCurrentUserPrincipal(ctx)
	if err != nil {
		if cerr.IsInvalidCert(err) {
			return nil, err
		}
		// Fall back to treating the base URL as the only calendar; an
		// empty list there is legitimate (newly provisioned account).
		return []task.CalendarListEntry{{Name: displayNameOf(s.cfg.BaseURL), Href: s.cfg.BaseURL}}, nil
	}

	homeSet, err := s.findCalendarHomeSet(ctx, principal)
	if err != nil || homeSet == "" {
		return []task.CalendarListEntry{{Name: displayNameOf(s.cfg.BaseURL), Href: s.cfg.BaseURL}}, nil
	}

	return s.findCalendars(ctx, homeSet)
}

func displayNameOf(href string) string {
	trimmed := strings.TrimSuffix(href, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 || idx == len(trimmed)-1 {
		return href
	}
	return trimmed[idx+1:]
}

const currentUserPrincipalBody = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop><d:current-user-principal/></d:prop>
</d:propfind>`

func (s *CalDAVStore) findCurrentUserPrincipal(ctx context.Context) (string, error) {
	ms, err := s.propfind(ctx, s.cfg.BaseURL, currentUserPrincipalBody, "0")
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		for _, ps := range r.PropStat {
			if ps.Prop.CurrentUserPrincipal.Href != "" {
				return ps.Prop.CurrentUserPrincipal.Href, nil
			}
		}
	}
	return "", fmt.Errorf("no current-user-principal in response")
}

const calendarHomeSetBody = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:prop><cal:calendar-home-set/></d:prop>
</d:propfind>`

func (s *CalDAVStore) findCalendarHomeSet(ctx context.Context, principal string) (string, error) {
	ms, err := s.propfind(ctx, principal, calendarHomeSetBody, "0")
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		for _, ps := range r.PropStat {
			if ps.Prop.CalendarHomeSet.Href != "" {
				return ps.Prop.CalendarHomeSet.Href, nil
			}
		}
	}
	return "", fmt.Errorf("no calendar-home-set in response")
}

const calendarListBody = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
    <cs:getctag/>
  </d:prop>
</d:propfind>`

func (s *CalDAVStore) findCalendars(ctx context.Context, homeSet string) ([]task.CalendarListEntry, error) {
	ms, err := s.propfind(ctx, homeSet, calendarListBody, "1")
	if err != nil {
		return nil, err
	}

	var cals []task.CalendarListEntry
	for _, r := range ms.Responses {
		for _, ps := range r.PropStat {
			if !strings.Contains(ps.Status, "200") || !ps.Prop.ResourceType.Calendar {
				continue
			}
			name := ps.Prop.DisplayName
			if name == "" {
				name = displayNameOf(r.Href)
			}
			cals = append(cals, task.CalendarListEntry{Name: name, Href: r.Href})
		}
	}
	return cals, nil
}

func (s *CalDAVStore) propfind(ctx context.Context, url, body, depth string) (*multiStatus, error) {
	resp, err := s.doRequest(ctx, "PROPFIND", url, []byte(body), map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
		"Depth":        depth,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, cerr.New(statusKind(resp.StatusCode), fmt.Errorf("PROPFIND %s: status %d", url, resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cerr.New(cerr.KindTransport, err)
	}

	var ms multiStatus
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&ms); err != nil {
		return nil, cerr.New(cerr.KindParse, err)
	}
	return &ms, nil
}
