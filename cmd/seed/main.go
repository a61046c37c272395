// Command main runs the database seeder for Closer.
package main

import (
	"flag"
	"log"

	"closer/internal/config"
	"closer/internal/database"
	"closer/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 50, "Number of users to create")
	numPosts := flag.Int("posts", 200, "Number of posts to create")
	numRooms := flag.Int("rooms", 40, "Number of direct rooms to open")
	perRoom := flag.Int("messages", 20, "Messages per room")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	fakerSeed := flag.Int64("seed", 0, "Faker seed (0 = random)")
	flag.Parse()

	log.Println("🌱 Database Seeder")
	log.Println("==================")
	log.Printf("Target: %d users, %d posts, %d rooms, clean=%v\n", *numUsers, *numPosts, *numRooms, *shouldClean)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s := seed.NewSeeder(db, *fakerSeed)
	if err := s.Run(seed.Options{
		NumUsers:        *numUsers,
		NumPosts:        *numPosts,
		NumRooms:        *numRooms,
		MessagesPerRoom: *perRoom,
		ShouldClean:     *shouldClean,
	}); err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Println("✨ All done! Your database is now populated with test data.")
	log.Printf("📧 All test users have the password: %s", seed.DefaultPassword)
}
