package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"

	"approval-engine/api"
	"approval-engine/db"
	"approval-engine/directory"
	"approval-engine/workflow"
)

func loadConfig() {
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("database_path", "./approval.db")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("approval")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Failed to read config file: %v", err)
		}
		log.Println("No config file found; using defaults and environment.")
	}
}

func main() {
	log.Println("Starting Approval Engine...")

	loadConfig()

	store, err := db.Open(viper.GetString("database_path"))
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Println("Database initialized successfully.")
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing DB: %v", err)
		}
	}()

	dir := directory.New(store)
	engine := workflow.NewEngine(store, store, store, dir, nil)
	definitions := workflow.NewDefinitionService(store)

	router := mux.NewRouter()
	api.NewServer(engine, definitions).ConfigureRoutes(router)

	server := &http.Server{
		Addr:    viper.GetString("listen_addr"),
		Handler: router,
		// Recommended timeouts for production readiness
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		log.Printf("HTTP server starting on %s", server.Addr)
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("HTTP server failed to start: %v", serveErr)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("Received shutdown signal. Shutting down gracefully...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Fatalf("HTTP server forced to shutdown: %v", shutdownErr)
	}
	log.Println("HTTP server shut down.")

	log.Println("Approval Engine stopped.")
}
