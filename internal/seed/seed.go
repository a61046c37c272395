// Package seed provides database seeding utilities for development and testing.
package seed

import (
	"fmt"
	"log"
	"strings"
	"time"

	"closer/internal/models"
	"closer/internal/service"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultPassword is the password every seeded user gets.
const DefaultPassword = "password123"

// Options configuration for the seeder
type Options struct {
	NumUsers        int
	NumPosts        int
	NumRooms        int
	MessagesPerRoom int
	ShouldClean     bool
}

// Seeder writes demo data straight through gorm.
type Seeder struct {
	db    *gorm.DB
	faker *gofakeit.Faker
}

// NewSeeder creates a seeder. A zero seed picks a random one.
func NewSeeder(db *gorm.DB, seed int64) *Seeder {
	return &Seeder{db: db, faker: gofakeit.New(seed)}
}

// Run seeds users, follows, posts with media, rooms and messages.
func (s *Seeder) Run(opts Options) error {
	log.Printf("🌱 Starting database seeding with %d users and %d posts...", opts.NumUsers, opts.NumPosts)

	if opts.ShouldClean {
		if err := s.ClearAll(); err != nil {
			return fmt.Errorf("failed to clear data: %w", err)
		}
	}

	users, err := s.SeedUsers(opts.NumUsers)
	if err != nil {
		return fmt.Errorf("failed to create users: %w", err)
	}
	log.Printf("✓ %d users created", len(users))

	follows, err := s.SeedFollows(users)
	if err != nil {
		return fmt.Errorf("failed to create follows: %w", err)
	}
	log.Printf("✓ %d follows created", follows)

	posts, err := s.SeedPosts(users, opts.NumPosts)
	if err != nil {
		return fmt.Errorf("failed to create posts: %w", err)
	}
	log.Printf("✓ %d posts created", len(posts))

	rooms, err := s.SeedRooms(users, opts.NumRooms, opts.MessagesPerRoom)
	if err != nil {
		return fmt.Errorf("failed to create rooms: %w", err)
	}
	log.Printf("✓ %d rooms created", len(rooms))

	log.Println("🎉 Database seeding completed successfully!")
	return nil
}

// ClearAll deletes every seeded table, children first.
func (s *Seeder) ClearAll() error {
	log.Println("🗑️  Clearing existing data...")
	tx := s.db.Session(&gorm.Session{AllowGlobalUpdate: true})
	if err := tx.Exec("DELETE FROM chat_room_participants").Error; err != nil {
		return err
	}
	for _, model := range []any{
		&models.Notification{},
		&models.MessageRead{},
		&models.ChatRoom{},
		&models.Message{},
		&models.Comment{},
		&models.Like{},
		&models.PostMedia{},
		&models.Post{},
		&models.Follow{},
	} {
		if err := tx.Delete(model).Error; err != nil {
			return err
		}
	}
	return tx.Unscoped().Delete(&models.User{}).Error
}

// SeedUsers creates n users sharing DefaultPassword.
func (s *Seeder) SeedUsers(n int) ([]models.User, error) {
	if n <= 0 {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	users := make([]models.User, 0, n)
	for i := 0; i < n; i++ {
		first, last := s.faker.FirstName(), s.faker.LastName()
		username := fmt.Sprintf("%s_%s%d", strings.ToLower(first), strings.ToLower(last), i)
		users = append(users, models.User{
			Username: username,
			Email:    username + "@example.com",
			Password: string(hash),
			FullName: first + " " + last,
			Bio:      s.faker.Sentence(8),
			Avatar:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", s.faker.UUID()),
		})
	}
	if err := s.db.CreateInBatches(&users, 100).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// SeedFollows gives every user a handful of follows. It returns the edge count.
func (s *Seeder) SeedFollows(users []models.User) (int, error) {
	if len(users) < 2 {
		return 0, nil
	}
	var edges []models.Follow
	for _, u := range users {
		others := lo.Filter(users, func(o models.User, _ int) bool { return o.ID != u.ID })
		k := s.faker.Number(1, lo.Min([]int{5, len(others)}))
		for _, target := range lo.Samples(others, k) {
			edges = append(edges, models.Follow{FollowerID: u.ID, FollowingID: target.ID})
		}
	}
	if err := s.db.CreateInBatches(&edges, 200).Error; err != nil {
		return 0, err
	}
	return len(edges), nil
}

// SeedPosts spreads n posts with one to four media items each over the users.
func (s *Seeder) SeedPosts(users []models.User, n int) ([]models.Post, error) {
	if len(users) == 0 || n <= 0 {
		return nil, nil
	}
	posts := make([]models.Post, 0, n)
	for i := 0; i < n; i++ {
		owner := users[s.faker.Number(0, len(users)-1)]
		media := make([]models.PostMedia, s.faker.Number(1, 4))
		for j := range media {
			kind := "photo"
			if s.faker.Number(1, 10) == 1 {
				kind = "film"
			}
			media[j] = models.PostMedia{
				URL:  fmt.Sprintf("https://picsum.photos/seed/%s/800/800", s.faker.UUID()),
				Kind: kind,
			}
		}
		posts = append(posts, models.Post{
			UserID:    owner.ID,
			Caption:   s.faker.Sentence(10),
			Media:     media,
			CreatedAt: s.faker.DateRange(time.Now().AddDate(0, -3, 0), time.Now()),
		})
	}
	if err := s.db.CreateInBatches(&posts, 100).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// SeedRooms opens up to n direct rooms between random user pairs, each holding
// perRoom messages alternating between the two participants.
func (s *Seeder) SeedRooms(users []models.User, n, perRoom int) ([]models.ChatRoom, error) {
	if len(users) < 2 || n <= 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var rooms []models.ChatRoom
	for attempts := 0; len(rooms) < n && attempts < n*4; attempts++ {
		pair := lo.Samples(users, 2)
		key := service.RoomKey(pair[0].ID, pair[1].ID)
		if seen[key] {
			continue
		}
		seen[key] = true

		room, err := s.seedRoom(key, pair, perRoom)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

func (s *Seeder) seedRoom(key string, pair []models.User, perRoom int) (*models.ChatRoom, error) {
	room := &models.ChatRoom{RoomKey: key, Participants: pair}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		start := time.Now().Add(-time.Duration(perRoom) * time.Minute)
		var last *models.Message
		for i := 0; i < perRoom; i++ {
			senderID := pair[i%2].ID
			msg := &models.Message{
				RoomKey:   key,
				SenderID:  &senderID,
				Content:   s.faker.Sentence(s.faker.Number(3, 14)),
				CreatedAt: start.Add(time.Duration(i) * time.Minute),
			}
			if err := tx.Create(msg).Error; err != nil {
				return err
			}
			last = msg
		}

		room.LastActivityAt = time.Now()
		if last != nil {
			room.LastMessageID = &last.ID
			room.LastActivityAt = last.CreatedAt
		}
		return tx.Create(room).Error
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}
