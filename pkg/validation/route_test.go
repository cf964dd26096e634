// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import "testing"

func TestValidateRoutePrefix(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantErr bool
	}{
		{"simple", "/api", false},
		{"versioned", "/api/v1/projects", false},
		{"hyphenated segment", "/api/v1/order-templates", false},
		{"underscore segment", "/api/v1/time_entries", false},
		{"empty", "", true},
		{"missing leading slash", "api/v1/projects", true},
		{"trailing slash", "/api/v1/projects/", true},
		{"traversal", "/api/../admin", true},
		{"whitespace", "/api/v1/pro jects", true},
		{"query characters", "/api/v1/projects?x=1", true},
		{"uppercase", "/API/v1/projects", true},
		{"double slash", "/api//projects", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoutePrefix(tt.prefix)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoutePrefix(%q) error = %v, wantErr %v", tt.prefix, err, tt.wantErr)
			}
		})
	}
}

func TestValidateServiceName(t *testing.T) {
	tests := []struct {
		name    string
		service string
		wantErr bool
	}{
		{"simple", "finance", false},
		{"hyphenated", "chat-realtime", false},
		{"with digits", "crm2", false},
		{"empty", "", true},
		{"uppercase", "Finance", true},
		{"leading digit", "2crm", true},
		{"underscore", "chat_realtime", true},
		{"too long", "abcdefghijklmnopqrstuvwxyz-0123456789", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceName(tt.service)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServiceName(%q) error = %v, wantErr %v", tt.service, err, tt.wantErr)
			}
		})
	}
}
