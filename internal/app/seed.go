package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"coursechat/pkg/types"
)

// SeedData is the fixture format accepted by -seed: users first, then the courses
// that reference them
type SeedData struct {
	Users   []types.Identity         `json:"users"`
	Courses []types.CourseMembership `json:"courses"`
}

// LoadSeed reads a JSON fixture file
func LoadSeed(path string) (*SeedData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed SeedData
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// Seed upserts the fixture into the course store and returns a fresh session
// token per seeded user, keyed by user id
func (app *Application) Seed(ctx context.Context, seed *SeedData) (map[string]string, error) {
	db := app.Database()
	tokens := make(map[string]string, len(seed.Users))

	for i := range seed.Users {
		user := &seed.Users[i]
		if err := db.CreateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", user.ID, err)
		}
		token, err := app.signer.Sign(user.ID)
		if err != nil {
			return nil, fmt.Errorf("sign token for %s: %w", user.ID, err)
		}
		tokens[user.ID] = token
	}

	for i := range seed.Courses {
		c := &seed.Courses[i]
		if err := db.CreateCourse(ctx, c); err != nil {
			return nil, fmt.Errorf("seed course %s: %w", c.CourseID, err)
		}
	}
	return tokens, nil
}
