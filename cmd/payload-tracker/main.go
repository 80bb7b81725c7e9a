package main

import (
	"github.com/joho/godotenv"
	"github.com/loraops/payload-tracker/internal/pkg/application"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/logging"
	"github.com/loraops/payload-tracker/internal/pkg/infrastructure/repositories/database"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"
)

func main() {

	serviceName := "payload-tracker"

	godotenv.Load()

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	config := messaging.LoadConfiguration(serviceName)
	messenger, err := messaging.Initialize(config)
	if err != nil {
		log.Fatalf("Failed to initialize messaging: %s", err.Error())
	}

	defer messenger.Close()

	db, err := database.NewDatabaseConnection(database.NewPostgreSQLConnector(log), log)
	if err != nil {
		log.Fatalf("Failed to set up database connection: %s", err.Error())
	}

	application.CreateRouterAndStartServing(log, messenger, db)
}
