package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"pawmise/sdk/go/pawmise"
)

const demoUser = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/pets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pawmise.Pet{ID: "pet-demo", Name: "Mochi", Balance: "0", Active: true})
	})
	mux.HandleFunc("/pets/pet-demo/deposit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pawmise.Deposit{
			Pet:    pawmise.Pet{ID: "pet-demo", Name: "Mochi", Balance: "150000000000", Active: true},
			TaskID: "task-demo",
		})
	})
	mux.HandleFunc("/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pawmise.Task{
			ID:     "task-demo",
			Kind:   "nft_progression",
			Status: "succeeded",
			Result: &pawmise.TaskResult{Summary: "*wag* The realm grows!", Tier: 2},
		})
	})
	mux.HandleFunc("/ai-agent/"+demoUser, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pawmise.Reply{Success: true, Message: "*wag* I'm guarding your savings!"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := pawmise.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.CreatePet(ctx, pawmise.PetRequest{UserAddress: demoUser, Name: "Mochi"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created pet %s (%s)\n", created.ID, created.Name)

	deposit, err := client.Deposit(ctx, created.ID, "150000000000")
	if err != nil {
		panic(err)
	}
	fmt.Printf("balance %s, progression task %s\n", deposit.Pet.Balance, deposit.TaskID)

	done, err := client.WaitForTask(ctx, deposit.TaskID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s %s at tier %d\n", done.ID, done.Status, done.Result.Tier)

	reply, err := client.Chat(ctx, demoUser, "hi Mochi")
	if err != nil {
		panic(err)
	}
	fmt.Println(reply.Message)
}
