package source

import (
	"context"
	"encoding/json"
	"fmt"
)

// Resource collection names exposed by the source API under each school
const (
	ResourceStudents = "students"
	ResourceTeachers = "teachers"
	ResourceCourses  = "courses"
	ResourceSections = "sections"
)

// ListDistricts fetches every district visible to the credential
func (c *Client) ListDistricts(ctx context.Context) ([]json.RawMessage, error) {
	return c.FetchAll(ctx, "/v1/districts", nil)
}

// ListSchools fetches every school in a district
func (c *Client) ListSchools(ctx context.Context, districtExternalID string) ([]json.RawMessage, error) {
	return c.FetchAll(ctx, fmt.Sprintf("/v1/districts/%s/schools", districtExternalID), nil)
}

// ListResources fetches a school's full current set of one resource
// collection (students, teachers, courses, or sections).
func (c *Client) ListResources(ctx context.Context, schoolExternalID, resource string) ([]json.RawMessage, error) {
	return c.FetchAll(ctx, fmt.Sprintf("/v1/schools/%s/%s", schoolExternalID, resource), nil)
}
